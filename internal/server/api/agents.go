package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/server/ingest"
	"github.com/sshguardian/guardian/internal/store"
	"github.com/sshguardian/guardian/internal/utils"
	"github.com/sshguardian/guardian/pkg/protocol"
)

// Request body bounds.
const (
	maxRegisterBody = 64 << 10
	maxBatchBody    = 4 << 20
	maxSyncBody     = 1 << 20
	maxResultBody   = 64 << 10
)

// HandleRegister terminates POST /api/agents/register. A new agent_id gets
// a fresh UUID and API key, returned in clear exactly once. A known
// agent_id refreshes its registration fields; the key is echoed back only
// when the caller already presents the valid key.
func (rt *Router) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}

	var req protocol.RegisterRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegisterBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", nil)
		return
	}
	if req.AgentID == "" || req.Hostname == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_fields",
			"agent_id and hostname are required", nil)
		return
	}
	if req.HeartbeatIntervalSec <= 0 {
		req.HeartbeatIntervalSec = 60
	}

	features, _ := json.Marshal(req.SystemInfo)

	existing, err := rt.store.GetAgentByAgentID(r.Context(), req.AgentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		apiKey := utils.GenerateID("gdn")
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
		if hashErr != nil {
			writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
				sanitizeErrorForClient(hashErr, "Key generation failed"), nil)
			return
		}
		agent, createErr := rt.store.CreateAgent(r.Context(), models.Agent{
			UUID:          uuid.NewString(),
			AgentID:       req.AgentID,
			APIKeyHash:    string(hash),
			Hostname:      req.Hostname,
			Version:       req.Version,
			Features:      string(features),
			Status:        models.AgentStatusPending,
			Health:        models.AgentHealthUnknown,
			IsActive:      true,
			HeartbeatSecs: req.HeartbeatIntervalSec,
		})
		if createErr != nil {
			writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
				sanitizeErrorForClient(createErr, "Agent registration failed"), nil)
			return
		}
		log.Info().Str("agent", req.AgentID).Str("hostname", req.Hostname).
			Msg("agent registered, pending approval")
		utils.WriteJSONResponse(w, protocol.RegisterResponse{
			Success: true,
			Message: "registered, pending approval",
			APIKey:  apiKey,
			UUID:    agent.UUID,
		})

	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Agent lookup failed"), nil)

	default:
		if updateErr := rt.store.UpdateAgentInfo(r.Context(), req.AgentID,
			req.Hostname, req.Version, string(features), req.HeartbeatIntervalSec); updateErr != nil {
			writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
				sanitizeErrorForClient(updateErr, "Agent update failed"), nil)
			return
		}
		resp := protocol.RegisterResponse{
			Success: true,
			Message: "registration refreshed",
			UUID:    existing.UUID,
		}
		// The stored key is a hash; it can only be echoed when the caller
		// proves possession of the cleartext.
		if presented := r.Header.Get(protocol.HeaderAPIKey); presented != "" &&
			bcrypt.CompareHashAndPassword([]byte(existing.APIKeyHash), []byte(presented)) == nil {
			resp.APIKey = presented
		}
		utils.WriteJSONResponse(w, resp)
	}
}

// HandleHeartbeat terminates POST /api/agents/heartbeat.
func (rt *Router) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		writeErrorResponse(w, http.StatusUnauthorized, "missing_agent", "Agent context missing", nil)
		return
	}

	var req protocol.HeartbeatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegisterBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", nil)
		return
	}

	if _, err := rt.pipeline.RecordHeartbeat(r.Context(), agent, req); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Heartbeat persistence failed"), nil)
		return
	}
	utils.WriteJSONResponse(w, protocol.SuccessResponse{Success: true})
}

// HandleLogBatch terminates POST /api/agents/logs. The batch UUID is the
// idempotency key; agents over the in-flight bound receive 429 and retry
// on their next tick.
func (rt *Router) HandleLogBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		writeErrorResponse(w, http.StatusUnauthorized, "missing_agent", "Agent context missing", nil)
		return
	}

	var req protocol.LogBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", nil)
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_batch", err.Error(), nil)
		return
	}

	resp, err := rt.pipeline.ProcessBatch(r.Context(), agent, req)
	if errors.Is(err, ingest.ErrBackpressure) {
		writeErrorResponse(w, http.StatusTooManyRequests, "too_many_batches",
			"Too many batches in flight, retry later", nil)
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Batch processing failed"), nil)
		return
	}
	utils.WriteJSONResponse(w, resp)
}

// HandleUFWSync terminates POST /api/agents/ufw/sync: the inventory
// replaces the stored mirror atomically and triggers reconciliation.
func (rt *Router) HandleUFWSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		writeErrorResponse(w, http.StatusUnauthorized, "missing_agent", "Agent context missing", nil)
		return
	}

	var req protocol.UFWSyncRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSyncBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", nil)
		return
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	if err := rt.store.ReplaceUFWState(r.Context(), agent.ID, req.UFWData, req.SubmittedAt); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Firewall sync failed"), nil)
		return
	}

	if err := rt.engine.Reconcile(r.Context(), agent.ID); err != nil {
		// Reconciliation is advisory; the sync itself succeeded.
		log.Error().Err(err).Str("agent", agent.AgentID).Msg("reconciliation failed")
	}

	utils.WriteJSONResponse(w, protocol.UFWSyncResponse{
		Success:    true,
		RulesCount: len(req.UFWData.Rules),
		UFWStatus:  req.UFWData.Status.State,
	})
}

// HandleCommandPoll terminates GET /api/agents/ufw/commands: pending
// commands transition to sent and are returned in creation order.
func (rt *Router) HandleCommandPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required", nil)
		return
	}
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		writeErrorResponse(w, http.StatusUnauthorized, "missing_agent", "Agent context missing", nil)
		return
	}

	claimed, err := rt.store.ClaimPendingCommands(r.Context(), agent.ID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Command poll failed"), nil)
		return
	}

	resp := protocol.CommandListResponse{Commands: []protocol.Command{}}
	for _, c := range claimed {
		var params protocol.CommandParams
		if c.Params != "" {
			if err := json.Unmarshal([]byte(c.Params), &params); err != nil {
				log.Error().Err(err).Str("command", c.CommandUUID).Msg("stored command params unreadable")
				continue
			}
		}
		if c.RawCommand != "" {
			params.Command = c.RawCommand
		}
		resp.Commands = append(resp.Commands, protocol.Command{
			ID:        c.CommandUUID,
			Action:    protocol.CommandType(c.Action),
			Params:    params,
			CreatedAt: c.CreatedAt,
		})
	}
	utils.WriteJSONResponse(w, resp)
}

// HandleCommandResult terminates POST /api/agents/firewall/command-result.
// Unknown command UUIDs and repeated results are acknowledged but change
// nothing.
func (rt *Router) HandleCommandResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		writeErrorResponse(w, http.StatusUnauthorized, "missing_agent", "Agent context missing", nil)
		return
	}

	var req protocol.CommandResultRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxResultBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", nil)
		return
	}
	if req.CommandID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_fields", "command_id is required", nil)
		return
	}
	if req.ExecutedAt.IsZero() {
		req.ExecutedAt = time.Now()
	}

	err := rt.store.RecordCommandResult(r.Context(), req.CommandID, req.Success, req.Message, req.ExecutedAt)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn().Str("command", req.CommandID).Str("agent", agent.AgentID).
			Msg("result for unknown command uuid")
	case errors.Is(err, store.ErrTerminalCommand):
		log.Debug().Str("command", req.CommandID).Msg("duplicate command result ignored")
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Command result persistence failed"), nil)
		return
	}
	utils.WriteJSONResponse(w, protocol.SuccessResponse{Success: true})
}

// HandleFail2ban terminates POST /api/agents/fail2ban: edge ban/unban
// events are recorded and bans mirrored as fail2ban-sourced blocks.
func (rt *Router) HandleFail2ban(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", nil)
		return
	}
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		writeErrorResponse(w, http.StatusUnauthorized, "missing_agent", "Agent context missing", nil)
		return
	}

	var req protocol.Fail2banReport
	r.Body = http.MaxBytesReader(w, r.Body, maxSyncBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON", nil)
		return
	}

	if err := rt.engine.RecordFail2ban(r.Context(), agent.ID, req.Events); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(err, "Fail2ban ingest failed"), nil)
		return
	}
	utils.WriteJSONResponse(w, protocol.SuccessResponse{Success: true})
}
