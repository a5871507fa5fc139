package api

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/store"
	"github.com/sshguardian/guardian/pkg/protocol"
)

type contextKey string

const agentContextKey contextKey = "agent"

// AgentFromContext returns the authenticated agent attached by the auth
// middleware.
func AgentFromContext(ctx context.Context) (models.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey).(models.Agent)
	return agent, ok
}

// RequireAgent authenticates the caller by its API key header and attaches
// the agent record to the request context. Keys are verified against the
// stored bcrypt hash; unapproved and deactivated agents are refused.
func (r *Router) RequireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		apiKey := req.Header.Get(protocol.HeaderAPIKey)
		agentID := req.Header.Get(protocol.HeaderAgentID)
		if apiKey == "" || agentID == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "missing_credentials",
				"API key and agent ID headers are required", nil)
			return
		}

		agent, err := r.store.GetAgentByAgentID(req.Context(), agentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeErrorResponse(w, http.StatusUnauthorized, "unknown_agent",
					"Agent is not registered", nil)
				return
			}
			writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
				sanitizeErrorForClient(err, "Agent lookup failed"), nil)
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(agent.APIKeyHash), []byte(apiKey)) != nil {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid_api_key",
				"API key does not match", nil)
			return
		}
		if !agent.IsActive {
			writeErrorResponse(w, http.StatusForbidden, "agent_deactivated",
				"Agent has been deactivated", nil)
			return
		}
		if !agent.IsApproved {
			writeErrorResponse(w, http.StatusForbidden, "agent_pending_approval",
				"Agent is awaiting operator approval", nil)
			return
		}

		ctx := context.WithValue(req.Context(), agentContextKey, agent)
		next(w, req.WithContext(ctx))
	}
}
