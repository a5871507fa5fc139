// Package ingest runs the server-side event pipeline: batch dedup,
// parsing, enrichment, feature extraction, scoring, and block emission.
// It also records heartbeats and sweeps silent agents to disconnected.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/server/blocker"
	"github.com/sshguardian/guardian/internal/server/enrich"
	"github.com/sshguardian/guardian/internal/server/features"
	"github.com/sshguardian/guardian/internal/server/parser"
	"github.com/sshguardian/guardian/internal/server/scoring"
	"github.com/sshguardian/guardian/internal/store"
	"github.com/sshguardian/guardian/pkg/protocol"
)

// Config tunes the pipeline.
type Config struct {
	BatchTimeout       time.Duration // end-to-end budget per batch
	MaxInflightBatches int           // per-agent back-pressure threshold
	DisconnectSweep    time.Duration // cadence of the silent-agent sweep
}

const (
	defaultBatchTimeout    = 30 * time.Second
	defaultMaxInflight     = 8
	defaultDisconnectSweep = 30 * time.Second
)

// ErrBackpressure signals the caller to return 429: the agent already has
// too many batches in flight.
var ErrBackpressure = fmt.Errorf("ingest: too many batches in flight")

// Pipeline wires the processing stages together.
type Pipeline struct {
	cfg       Config
	store     *store.Store
	parser    *parser.Parser
	enricher  *enrich.Service
	extractor *features.Extractor
	scorer    *scoring.Scorer
	engine    *blocker.Engine
	logger    zerolog.Logger
}

// New constructs the pipeline.
func New(cfg Config, st *store.Store, p *parser.Parser, en *enrich.Service, fx *features.Extractor, sc *scoring.Scorer, eng *blocker.Engine, logger zerolog.Logger) *Pipeline {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.MaxInflightBatches <= 0 {
		cfg.MaxInflightBatches = defaultMaxInflight
	}
	if cfg.DisconnectSweep <= 0 {
		cfg.DisconnectSweep = defaultDisconnectSweep
	}
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		parser:    p,
		enricher:  en,
		extractor: fx,
		scorer:    sc,
		engine:    eng,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

// ProcessBatch runs one log batch through the pipeline. A replayed batch
// UUID returns the stored counts without reprocessing. The returned
// response mirrors what the agent sees.
func (p *Pipeline) ProcessBatch(ctx context.Context, agent models.Agent, req protocol.LogBatchRequest) (protocol.LogBatchResponse, error) {
	inflight, err := p.store.CountInflightBatches(ctx, agent.ID)
	if err != nil {
		return protocol.LogBatchResponse{}, err
	}
	if inflight >= p.cfg.MaxInflightBatches {
		batchesTotal.WithLabelValues("rejected").Inc()
		return protocol.LogBatchResponse{}, ErrBackpressure
	}

	batch, created, err := p.store.CreateBatch(ctx, models.LogBatch{
		BatchUUID:      req.BatchUUID,
		AgentID:        agent.ID,
		Hostname:       req.Hostname,
		SourceFilename: req.SourceFilename,
		DeclaredCount:  len(req.LogLines),
	})
	if err != nil {
		return protocol.LogBatchResponse{}, err
	}
	if !created {
		batchesTotal.WithLabelValues("replayed").Inc()
		return protocol.LogBatchResponse{
			Success:       batch.Status != models.BatchFailed,
			EventsCreated: batch.EventsCreated,
			EventsFailed:  batch.EventsFailed,
			Message:       "batch already processed",
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()
	start := time.Now()

	if err := p.store.MarkBatchProcessing(ctx, req.BatchUUID); err != nil {
		return protocol.LogBatchResponse{}, err
	}

	eventsCreated, eventsFailed, procErr := p.processLines(ctx, agent, req.LogLines)

	status := models.BatchCompleted
	errMsg := ""
	if procErr != nil {
		status = models.BatchFailed
		errMsg = procErr.Error()
	}
	if err := p.store.FinalizeBatch(ctx, req.BatchUUID, eventsCreated, eventsFailed, status, errMsg); err != nil {
		return protocol.LogBatchResponse{}, err
	}

	batchSeconds.Observe(time.Since(start).Seconds())
	batchesTotal.WithLabelValues(string(status)).Inc()
	p.logger.Info().
		Str("batch_uuid", req.BatchUUID).
		Str("agent", agent.AgentID).
		Int("lines", len(req.LogLines)).
		Int("created", eventsCreated).
		Int("failed", eventsFailed).
		Msg("batch processed")

	return protocol.LogBatchResponse{
		Success:       status == models.BatchCompleted,
		EventsCreated: eventsCreated,
		EventsFailed:  eventsFailed,
		Message:       errMsg,
	}, nil
}

// processLines parses, orders, and scores the lines of one batch.
// Unparseable lines are dropped without failing the batch; stage errors on
// an individual event count against events_failed.
func (p *Pipeline) processLines(ctx context.Context, agent models.Agent, lines []string) (created, failed int, err error) {
	agentRef := agent.ID
	var events []models.AuthEvent
	for _, line := range lines {
		event, ok := p.parser.Parse(line, &agentRef)
		if !ok {
			eventsTotal.WithLabelValues("dropped").Inc()
			continue
		}
		event.EventUUID = uuid.NewString()
		event.SourceType = models.SourceAgent
		events = append(events, event)
	}

	// Events inside a batch are processed in timestamp order so windowed
	// features see a consistent history.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for _, event := range events {
		if ctx.Err() != nil {
			return created, failed, ctx.Err()
		}
		if procErr := p.processEvent(ctx, event); procErr != nil {
			failed++
			eventsTotal.WithLabelValues("failed").Inc()
			p.logger.Warn().Err(procErr).Str("ip", event.SourceIP).Msg("event processing failed")
			continue
		}
		created++
		eventsTotal.WithLabelValues("created").Inc()
	}
	return created, failed, nil
}

// processEvent runs one parsed event through enrichment, features,
// scoring, and the decision engine.
func (p *Pipeline) processEvent(ctx context.Context, event models.AuthEvent) error {
	geo, err := p.enricher.Lookup(ctx, event.SourceIP)
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	if geo.ID != 0 {
		event.GeoID = &geo.ID
	}

	vec, err := p.extractor.Extract(ctx, event, geo)
	if err != nil {
		return fmt.Errorf("features: %w", err)
	}

	inferStart := time.Now()
	res, err := p.scorer.Score(ctx, event, vec, geo)
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}
	inferMS := float64(time.Since(inferStart).Microseconds()) / 1000
	scoreHistogram.Observe(res.Composite)

	eventID, inserted, err := p.store.InsertAuthEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if !inserted {
		eventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	event.ID = eventID

	block, err := p.engine.Decide(ctx, event, res)
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	if block != nil {
		blocksEmitted.Inc()
		if err := p.store.LinkEventBlock(ctx, eventID, block.ID); err != nil {
			return err
		}
	}

	snapshot, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	threatType := ""
	if res.Matched != nil {
		threatType = res.Matched.RuleName
	} else if block != nil {
		threatType = string(res.Dominant)
	}
	return p.store.InsertEventML(ctx, models.AuthEventML{
		EventID:      eventID,
		ModelID:      res.ModelID,
		RiskScore:    res.Composite / 100,
		ThreatType:   threatType,
		Confidence:   res.Confidence,
		IsAnomaly:    res.IsAnomaly,
		Features:     string(snapshot),
		InferenceMS:  inferMS,
		BlockEmitted: block != nil,
	})
}

// RecordHeartbeat persists one liveness report and derives the agent's
// health band from its resource metrics.
func (p *Pipeline) RecordHeartbeat(ctx context.Context, agent models.Agent, req protocol.HeartbeatRequest) (models.AgentHealth, error) {
	health := healthFromMetrics(req.Metrics)
	if req.HealthStatus != "" {
		// The agent's own assessment wins when it reports one.
		health = models.AgentHealth(req.HealthStatus)
	}
	err := p.store.RecordHeartbeat(ctx, models.Heartbeat{
		AgentID:       agent.ID,
		CPUPercent:    req.Metrics.CPUPercent,
		MemoryPercent: req.Metrics.MemoryPercent,
		DiskPercent:   req.Metrics.DiskPercent,
		UptimeSeconds: req.Metrics.UptimeSeconds,
		Health:        string(health),
	}, health)
	return health, err
}

func healthFromMetrics(m protocol.HeartbeatMetrics) models.AgentHealth {
	switch {
	case m.CPUPercent > 95 || m.MemoryPercent > 95 || m.DiskPercent > 95:
		return models.AgentHealthUnhealthy
	case m.CPUPercent > 80 || m.MemoryPercent > 85 || m.DiskPercent > 90:
		return models.AgentHealthDegraded
	default:
		return models.AgentHealthHealthy
	}
}

// RunDisconnectSweeper marks agents whose heartbeats have gone silent for
// three intervals as disconnected, until the context ends.
func (p *Pipeline) RunDisconnectSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.DisconnectSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := p.store.SweepDisconnected(ctx, time.Now())
			if err != nil {
				p.logger.Error().Err(err).Msg("disconnect sweep failed")
				continue
			}
			if swept > 0 {
				p.logger.Info().Int64("agents", swept).Msg("agents marked disconnected")
			}
		}
	}
}
