// Package api terminates the agent-facing HTTP protocol.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sshguardian/guardian/internal/server/blocker"
	"github.com/sshguardian/guardian/internal/server/ingest"
	"github.com/sshguardian/guardian/internal/store"
	"github.com/sshguardian/guardian/internal/utils"
)

// Router owns the HTTP surface and its collaborators.
type Router struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	engine   *blocker.Engine
	started  time.Time
}

// NewRouter constructs the router.
func NewRouter(st *store.Store, pipeline *ingest.Pipeline, engine *blocker.Engine) *Router {
	return &Router{
		store:    st,
		pipeline: pipeline,
		engine:   engine,
		started:  time.Now(),
	}
}

// Handler assembles the full mux with middleware applied.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/agents/register", rt.HandleRegister)
	mux.HandleFunc("/api/agents/heartbeat", rt.RequireAgent(rt.HandleHeartbeat))
	mux.HandleFunc("/api/agents/logs", rt.RequireAgent(rt.HandleLogBatch))
	mux.HandleFunc("/api/agents/ufw/sync", rt.RequireAgent(rt.HandleUFWSync))
	mux.HandleFunc("/api/agents/ufw/commands", rt.RequireAgent(rt.HandleCommandPoll))
	mux.HandleFunc("/api/agents/firewall/command-result", rt.RequireAgent(rt.HandleCommandResult))
	mux.HandleFunc("/api/agents/fail2ban", rt.RequireAgent(rt.HandleFail2ban))

	mux.HandleFunc("/api/health", rt.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return LoggingMiddleware(mux)
}

// HandleHealth reports liveness and uptime.
func (rt *Router) HandleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(rt.started).Round(time.Second).String(),
		"version": Version,
	})
}

// Version is stamped at build time via -ldflags.
var Version = "dev"
