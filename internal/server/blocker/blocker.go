// Package blocker turns scored events into block records and firewall
// commands, and keeps the server's block table reconciled with the edge
// firewall inventories.
package blocker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/server/scoring"
	"github.com/sshguardian/guardian/internal/store"
	"github.com/sshguardian/guardian/pkg/protocol"
)

// Config tunes the decision engine.
type Config struct {
	SweepInterval     time.Duration // auto-unblock cadence
	ReenqueueAfter    time.Duration // reconciler backoff before re-sending a deny
	DefaultBlockMins  int           // fallback when no rule supplies a duration
	Fail2banBlockMins int           // duration applied to fail2ban-sourced blocks
}

// Defaults applied by New for zero fields.
const (
	defaultSweepInterval  = time.Minute
	defaultReenqueueAfter = 5 * time.Minute
	defaultFail2banMins   = 60
)

// Engine is the blocking decision engine. Emission for one (ip, agent)
// pair is serialized by a keyed mutex; the partial unique index in the
// store backstops races across processes.
type Engine struct {
	cfg    Config
	store  *store.Store
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs the engine.
func New(cfg Config, st *store.Store, logger zerolog.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ReenqueueAfter <= 0 {
		cfg.ReenqueueAfter = defaultReenqueueAfter
	}
	if cfg.Fail2banBlockMins <= 0 {
		cfg.Fail2banBlockMins = defaultFail2banMins
	}
	return &Engine{
		cfg:    cfg,
		store:  st,
		logger: logger.With().Str("component", "blocker").Logger(),
		locks:  map[string]*sync.Mutex{},
	}
}

func (e *Engine) pairLock(ip string, agentID *int64) *sync.Mutex {
	key := ip
	if agentID != nil {
		key = fmt.Sprintf("%s/%d", ip, *agentID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Decide applies a scoring result to an event: high band blocks
// temporarily, critical band blocks per the matched rule. Returns the
// block emitted or extended, or nil when no action was taken.
func (e *Engine) Decide(ctx context.Context, event models.AuthEvent, res scoring.Result) (*models.IPBlock, error) {
	// A matched rule is an operator directive: its severity sets the
	// decision band even when the weighted composite dilutes the rule
	// layer below the blocking bands.
	band := res.Band
	if res.Matched != nil && float64(res.Matched.Severity) > res.Composite {
		band = scoring.BandFor(float64(res.Matched.Severity))
	}
	if band != scoring.BandHigh && band != scoring.BandCritical {
		return nil, nil
	}

	source := models.BlockSourceRule
	var ruleID *int64
	minutes := e.cfg.DefaultBlockMins
	permanent := false

	if res.Matched != nil {
		ruleID = &res.Matched.RuleID
		if res.Matched.Rule.BlockMinutes > 0 {
			minutes = res.Matched.Rule.BlockMinutes
		}
		permanent = band == scoring.BandCritical && res.Matched.Rule.Permanent
	} else {
		source = models.BlockSourceML
		threshold, err := e.store.GetFloatSetting(ctx, store.SettingMLBlockThreshold)
		if err != nil {
			return nil, err
		}
		if res.Composite < threshold {
			return nil, nil
		}
	}
	if minutes <= 0 {
		def, err := e.store.GetFloatSetting(ctx, store.SettingDefaultBlockMins)
		if err != nil {
			return nil, err
		}
		minutes = int(def)
	}

	reason := fmt.Sprintf("%s layer score %.0f (%s)", res.Dominant, res.Composite, band)
	if res.Matched != nil {
		reason = fmt.Sprintf("rule %q matched, score %.0f (%s)", res.Matched.RuleName, res.Composite, band)
	}

	var unblockAt *time.Time
	if !permanent {
		t := time.Now().Add(time.Duration(minutes) * time.Minute)
		unblockAt = &t
	}

	return e.Emit(ctx, EmitRequest{
		IP:          event.SourceIP,
		AgentID:     event.AgentID,
		Reason:      reason,
		Source:      source,
		RuleID:      ruleID,
		EventID:     &event.ID,
		UnblockAt:   unblockAt,
		AutoUnblock: !permanent,
	})
}

// EmitRequest describes a block to create or extend.
type EmitRequest struct {
	IP          string
	AgentID     *int64
	Reason      string
	Source      models.BlockSource
	BlockType   string
	RuleID      *int64
	EventID     *int64
	UnblockAt   *time.Time // nil = permanent
	AutoUnblock bool
	CreatedBy   string
}

// Emit creates the block and enqueues a deny_from command, or extends the
// existing active block's expiry. The emitted command UUID is recorded as
// the blocking action UUID so edge acknowledgments join back.
func (e *Engine) Emit(ctx context.Context, req EmitRequest) (*models.IPBlock, error) {
	lock := e.pairLock(req.IP, req.AgentID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := e.store.GetActiveBlock(ctx, req.IP, req.AgentID); err == nil {
		return e.maybeExtend(ctx, existing, req)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	block, err := e.store.CreateBlock(ctx, models.IPBlock{
		IPAddress:   req.IP,
		Reason:      req.Reason,
		Source:      req.Source,
		BlockType:   req.BlockType,
		RuleID:      req.RuleID,
		EventID:     req.EventID,
		AgentID:     req.AgentID,
		AutoUnblock: req.AutoUnblock,
		BlockedAt:   time.Now(),
		UnblockAt:   req.UnblockAt,
	})
	if errors.Is(err, store.ErrBlockExists) {
		// Lost the race to another process; treat as idempotent no-op.
		existing, getErr := e.store.GetActiveBlock(ctx, req.IP, req.AgentID)
		if getErr != nil {
			return nil, getErr
		}
		return &existing, nil
	}
	if err != nil {
		return nil, err
	}

	actionUUID, err := e.enqueueDeny(ctx, block, req.CreatedBy)
	if err != nil {
		return nil, err
	}
	if err := e.store.AppendAction(ctx, models.BlockingAction{
		ActionUUID: actionUUID,
		BlockID:    block.ID,
		Action:     models.ActionBlock,
		Detail:     req.Reason,
		CreatedBy:  req.CreatedBy,
	}); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("ip", req.IP).
		Str("source", string(req.Source)).
		Int64("block_id", block.ID).
		Msg("block emitted")
	return &block, nil
}

// maybeExtend pushes out the existing block's expiry if the new request
// asks for a later unblock instant.
func (e *Engine) maybeExtend(ctx context.Context, existing models.IPBlock, req EmitRequest) (*models.IPBlock, error) {
	if existing.UnblockAt == nil {
		return &existing, nil // already permanent
	}
	if req.UnblockAt == nil || req.UnblockAt.After(*existing.UnblockAt) {
		var detail string
		if req.UnblockAt == nil {
			detail = "extended to permanent"
			if err := e.store.PromoteBlockPermanent(ctx, existing.ID); err != nil {
				return nil, err
			}
			existing.UnblockAt = nil
			existing.AutoUnblock = false
		} else {
			detail = fmt.Sprintf("extended to %s", req.UnblockAt.UTC().Format(time.RFC3339))
			if err := e.store.ExtendBlock(ctx, existing.ID, *req.UnblockAt); err != nil {
				return nil, err
			}
			existing.UnblockAt = req.UnblockAt
		}
		if err := e.store.AppendAction(ctx, models.BlockingAction{
			ActionUUID: uuid.NewString(),
			BlockID:    existing.ID,
			Action:     models.ActionExtend,
			Detail:     detail,
			CreatedBy:  req.CreatedBy,
		}); err != nil {
			return nil, err
		}
		e.logger.Debug().Str("ip", existing.IPAddress).Int64("block_id", existing.ID).Msg("block extended")
	}
	return &existing, nil
}

// enqueueDeny sends a deny_from command to the block's agent, records the
// delivery attempt instant, and returns the command UUID.
func (e *Engine) enqueueDeny(ctx context.Context, block models.IPBlock, createdBy string) (string, error) {
	commandUUID := uuid.NewString()
	if block.AgentID == nil {
		// Server-wide block with no bound agent: nothing to deliver.
		return commandUUID, nil
	}

	params, err := json.Marshal(protocol.CommandParams{
		IP:      block.IPAddress,
		BlockID: block.ID,
	})
	if err != nil {
		return "", err
	}
	if _, err := e.store.EnqueueCommand(ctx, models.UFWCommand{
		CommandUUID: commandUUID,
		AgentID:     *block.AgentID,
		Action:      string(protocol.CmdDenyFrom),
		Params:      string(params),
		CreatedBy:   createdBy,
	}); err != nil {
		return "", err
	}
	if err := e.store.TouchBlockAttempt(ctx, block.ID, time.Now()); err != nil {
		return "", err
	}
	return commandUUID, nil
}

// Unblock deactivates a block and enqueues delete_deny_from at its agent.
func (e *Engine) Unblock(ctx context.Context, block models.IPBlock, reason, by string) error {
	if err := e.store.DeactivateBlock(ctx, block.ID, reason); err != nil {
		return err
	}

	actionUUID := uuid.NewString()
	if block.AgentID != nil {
		params, err := json.Marshal(protocol.CommandParams{
			IP:      block.IPAddress,
			BlockID: block.ID,
		})
		if err != nil {
			return err
		}
		if _, err := e.store.EnqueueCommand(ctx, models.UFWCommand{
			CommandUUID: actionUUID,
			AgentID:     *block.AgentID,
			Action:      string(protocol.CmdDeleteDenyFrom),
			Params:      string(params),
			CreatedBy:   by,
		}); err != nil {
			return err
		}
	}
	if err := e.store.AppendAction(ctx, models.BlockingAction{
		ActionUUID: actionUUID,
		BlockID:    block.ID,
		Action:     models.ActionUnblock,
		Detail:     reason,
		CreatedBy:  by,
	}); err != nil {
		return err
	}

	e.logger.Info().Str("ip", block.IPAddress).Int64("block_id", block.ID).
		Str("reason", reason).Msg("block lifted")
	return nil
}

// RunSweeper loops until the context ends, lifting expired auto-unblock
// blocks each interval.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepExpired(ctx); err != nil {
				e.logger.Error().Err(err).Msg("unblock sweep failed")
			}
		}
	}
}

// SweepExpired lifts every active block past its unblock instant.
func (e *Engine) SweepExpired(ctx context.Context) error {
	expired, err := e.store.ExpiredBlocks(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, block := range expired {
		if err := e.Unblock(ctx, block, "expired", "sweeper"); err != nil {
			e.logger.Error().Err(err).Int64("block_id", block.ID).Msg("auto-unblock failed")
		}
	}
	return nil
}

// RecordFail2ban persists a batch of edge ban/unban events and mirrors
// bans as fail2ban-sourced blocks. First-created block wins; duplicates
// fall through to the idempotent Emit path.
func (e *Engine) RecordFail2ban(ctx context.Context, agentID int64, events []protocol.Fail2banEvent) error {
	for _, ev := range events {
		if err := e.store.InsertFail2banEvent(ctx, models.Fail2banEvent{
			AgentID:    agentID,
			Jail:       ev.Jail,
			EventType:  ev.EventType,
			IPAddress:  ev.IPAddress,
			ObservedAt: ev.ObservedAt,
		}); err != nil {
			return err
		}

		switch ev.EventType {
		case "ban":
			unblockAt := time.Now().Add(time.Duration(e.cfg.Fail2banBlockMins) * time.Minute)
			agent := agentID
			if _, err := e.Emit(ctx, EmitRequest{
				IP:          ev.IPAddress,
				AgentID:     &agent,
				Reason:      fmt.Sprintf("fail2ban ban in jail %s", ev.Jail),
				Source:      models.BlockSourceFail2ban,
				UnblockAt:   &unblockAt,
				AutoUnblock: true,
				CreatedBy:   "fail2ban",
			}); err != nil {
				return err
			}
		case "unban":
			agent := agentID
			block, err := e.store.GetActiveBlock(ctx, ev.IPAddress, &agent)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if block.Source == models.BlockSourceFail2ban {
				if err := e.Unblock(ctx, block, "fail2ban unban", "fail2ban"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Reconcile compares one agent's mirrored firewall rules against the block
// table. Edge-only deny rules gain a reconciled server block; server-only
// blocks get their deny re-enqueued once the backoff has elapsed.
func (e *Engine) Reconcile(ctx context.Context, agentID int64) error {
	rules, err := e.store.GetUFWRules(ctx, agentID)
	if err != nil {
		return err
	}
	blocks, err := e.store.ActiveBlocksForAgent(ctx, agentID)
	if err != nil {
		return err
	}

	edgeDenied := map[string]bool{}
	for _, r := range rules {
		if ip, ok := denySourceIP(r); ok {
			edgeDenied[ip] = true
		}
	}
	serverBlocked := map[string]models.IPBlock{}
	for _, b := range blocks {
		serverBlocked[b.IPAddress] = b
	}

	agent := agentID
	for ip := range edgeDenied {
		if _, ok := serverBlocked[ip]; ok {
			continue
		}
		if _, err := e.Emit(ctx, EmitRequest{
			IP:        ip,
			AgentID:   &agent,
			Reason:    "rule present at edge without server record",
			Source:    models.BlockSourceUFW,
			BlockType: "reconciled",
			CreatedBy: "reconciler",
		}); err != nil {
			return err
		}
	}

	for ip, block := range serverBlocked {
		if edgeDenied[ip] {
			continue
		}
		if block.LastAttemptAt != nil && time.Since(*block.LastAttemptAt) < e.cfg.ReenqueueAfter {
			continue
		}
		if _, err := e.enqueueDeny(ctx, block, "reconciler"); err != nil {
			return err
		}
		e.logger.Info().Str("ip", ip).Int64("agent_id", agentID).
			Msg("deny re-enqueued after edge drift")
	}
	return nil
}

// denySourceIP extracts the denied source address from a mirrored rule if
// the rule is a plain deny-from entry.
func denySourceIP(r models.UFWRule) (string, bool) {
	action := strings.ToUpper(r.Action)
	if !strings.HasPrefix(action, "DENY") && !strings.HasPrefix(action, "REJECT") {
		return "", false
	}
	from := strings.TrimSpace(r.From)
	if from == "" || strings.EqualFold(from, "Anywhere") || strings.Contains(from, "/") {
		return "", false
	}
	return from, true
}
