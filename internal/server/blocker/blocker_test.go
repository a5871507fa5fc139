package blocker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/server/scoring"
	"github.com/sshguardian/guardian/internal/store"
	"github.com/sshguardian/guardian/pkg/protocol"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{
		DataDir:               t.TempDir(),
		DisableRetentionSweep: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(Config{DefaultBlockMins: 60}, s, zerolog.Nop()), s
}

func testAgentID(t *testing.T, s *store.Store) int64 {
	t.Helper()
	agent, err := s.CreateAgent(context.Background(), models.Agent{
		UUID: "u-1", AgentID: "web-01", APIKeyHash: "h",
		Status: models.AgentStatusActive, Health: models.AgentHealthHealthy,
		IsActive: true, HeartbeatSecs: 60,
	})
	require.NoError(t, err)
	return agent.ID
}

func TestEmitCreatesBlockAndCommand(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	unblockAt := time.Now().Add(time.Hour)
	block, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "brute force", Source: models.BlockSourceRule,
		UnblockAt: &unblockAt, AutoUnblock: true,
	})
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.True(t, block.IsActive)

	// One deny command queued for the agent, carrying the block reference.
	cmds, err := s.ClaimPendingCommands(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, string(protocol.CmdDenyFrom), cmds[0].Action)
	assert.Contains(t, cmds[0].Params, "203.0.113.5")

	// The audit action shares the command UUID.
	actions, err := s.ActionsForBlock(ctx, block.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionBlock, actions[0].Action)
	assert.Equal(t, cmds[0].CommandUUID, actions[0].ActionUUID)
}

func TestEmitIsIdempotentPerPair(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	soon := time.Now().Add(30 * time.Minute)
	first, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "first", Source: models.BlockSourceRule,
		UnblockAt: &soon, AutoUnblock: true,
	})
	require.NoError(t, err)

	// Same pair, earlier expiry: no new block, no extension, no new command.
	earlier := time.Now().Add(10 * time.Minute)
	second, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "repeat", Source: models.BlockSourceML,
		UnblockAt: &earlier, AutoUnblock: true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	actions, err := s.ActionsForBlock(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, actions, 1, "repeat emit leaves only the original block action")
}

func TestEmitExtendsToLaterExpiry(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	soon := time.Now().Add(10 * time.Minute)
	first, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "first", Source: models.BlockSourceRule,
		UnblockAt: &soon, AutoUnblock: true,
	})
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	extended, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "escalated", Source: models.BlockSourceRule,
		UnblockAt: &later, AutoUnblock: true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, extended.ID)
	require.NotNil(t, extended.UnblockAt)
	assert.WithinDuration(t, later, *extended.UnblockAt, time.Second)

	actions, err := s.ActionsForBlock(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionExtend, actions[1].Action)
}

func TestEmitPromotesToPermanent(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	soon := time.Now().Add(10 * time.Minute)
	first, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "first", Source: models.BlockSourceRule,
		UnblockAt: &soon, AutoUnblock: true,
	})
	require.NoError(t, err)

	promoted, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "permanent escalation", Source: models.BlockSourceRule,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, promoted.ID)
	assert.Nil(t, promoted.UnblockAt)
	assert.False(t, promoted.AutoUnblock)

	// A permanent block never appears in the expiry sweep.
	expired, err := s.ExpiredBlocks(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestDecideBandsAndThreshold(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)
	event := models.AuthEvent{ID: 1, SourceIP: "203.0.113.5", AgentID: &agentID}

	// Medium band: no action regardless of layers.
	block, err := e.Decide(ctx, event, scoring.Result{Composite: 55, Band: scoring.BandMedium})
	require.NoError(t, err)
	assert.Nil(t, block)

	// High band without a rule match falls to the ML threshold (61 default):
	// 60.5 is below it.
	block, err = e.Decide(ctx, event, scoring.Result{Composite: 60.5, Band: scoring.BandHigh})
	require.NoError(t, err)
	assert.Nil(t, block)

	block, err = e.Decide(ctx, event, scoring.Result{Composite: 70, Band: scoring.BandHigh, Dominant: scoring.LayerAnomaly})
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, models.BlockSourceML, block.Source)
	require.NotNil(t, block.UnblockAt)
}

func TestDecideRuleMatchDrivesDurationAndPermanence(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)
	event := models.AuthEvent{ID: 1, SourceIP: "203.0.113.5", AgentID: &agentID}

	match := &scoring.RuleMatch{
		RuleID: 1, RuleName: "root brute force", Severity: 70,
		Rule: models.BlockingRule{ID: 1, BlockMinutes: 240, Permanent: true},
	}

	// High band: permanence requires critical, so the 240-minute window
	// applies.
	block, err := e.Decide(ctx, event, scoring.Result{
		Composite: 70, Band: scoring.BandHigh, Dominant: scoring.LayerRule, Matched: match,
	})
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, models.BlockSourceRule, block.Source)
	require.NotNil(t, block.UnblockAt)
	assert.WithinDuration(t, time.Now().Add(240*time.Minute), *block.UnblockAt, 5*time.Second)

	// Critical band with a permanent rule: no expiry.
	event2 := models.AuthEvent{ID: 2, SourceIP: "198.51.100.7", AgentID: &agentID}
	block, err = e.Decide(ctx, event2, scoring.Result{
		Composite: 95, Band: scoring.BandCritical, Dominant: scoring.LayerRule, Matched: match,
	})
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Nil(t, block.UnblockAt)
	assert.False(t, block.AutoUnblock)
}

func TestDecideRuleSeverityLiftsBand(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)
	event := models.AuthEvent{ID: 1, SourceIP: "203.0.113.5", AgentID: &agentID}

	// Default weights dilute a severity-75 match to a low composite; the
	// rule still blocks because its severity sets the band.
	block, err := e.Decide(ctx, event, scoring.Result{
		Composite: 18.75, Band: scoring.BandLow, Dominant: scoring.LayerRule,
		Matched: &scoring.RuleMatch{
			RuleID: 1, RuleName: "ssh brute force", Severity: 75,
			Rule: models.BlockingRule{ID: 1, BlockMinutes: 90, AutoUnblock: true},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, models.BlockSourceRule, block.Source)
	require.NotNil(t, block.UnblockAt)
	assert.WithinDuration(t, time.Now().Add(90*time.Minute), *block.UnblockAt, 5*time.Second)

	// A severity below the high band leaves a low composite alone.
	event2 := models.AuthEvent{ID: 2, SourceIP: "198.51.100.7", AgentID: &agentID}
	block, err = e.Decide(ctx, event2, scoring.Result{
		Composite: 10, Band: scoring.BandLow, Dominant: scoring.LayerRule,
		Matched: &scoring.RuleMatch{
			RuleID: 2, RuleName: "tag only", Severity: 40,
			Rule: models.BlockingRule{ID: 2, BlockMinutes: 30},
		},
	})
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestSweepExpiredLiftsAndQueuesDelete(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	past := time.Now().Add(-time.Minute)
	block, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "short", Source: models.BlockSourceRule,
		UnblockAt: &past, AutoUnblock: true,
	})
	require.NoError(t, err)

	// Drain the deny command first.
	_, err = s.ClaimPendingCommands(ctx, agentID)
	require.NoError(t, err)

	require.NoError(t, e.SweepExpired(ctx))

	_, err = s.GetActiveBlock(ctx, "203.0.113.5", &agentID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	cmds, err := s.ClaimPendingCommands(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, string(protocol.CmdDeleteDenyFrom), cmds[0].Action)

	actions, err := s.ActionsForBlock(ctx, block.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionUnblock, actions[1].Action)
	assert.Equal(t, "expired", actions[1].Detail)
}

func TestRecordFail2banBanAndUnban(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	require.NoError(t, e.RecordFail2ban(ctx, agentID, []protocol.Fail2banEvent{
		{Jail: "sshd", EventType: "ban", IPAddress: "203.0.113.5", ObservedAt: time.Now()},
	}))

	block, err := s.GetActiveBlock(ctx, "203.0.113.5", &agentID)
	require.NoError(t, err)
	assert.Equal(t, models.BlockSourceFail2ban, block.Source)
	require.NotNil(t, block.UnblockAt)

	require.NoError(t, e.RecordFail2ban(ctx, agentID, []protocol.Fail2banEvent{
		{Jail: "sshd", EventType: "unban", IPAddress: "203.0.113.5", ObservedAt: time.Now()},
	}))
	_, err = s.GetActiveBlock(ctx, "203.0.113.5", &agentID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// An unban for an unknown IP is a no-op.
	require.NoError(t, e.RecordFail2ban(ctx, agentID, []protocol.Fail2banEvent{
		{Jail: "sshd", EventType: "unban", IPAddress: "192.0.2.99", ObservedAt: time.Now()},
	}))
}

func TestFail2banUnbanLeavesForeignBlocks(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	unblockAt := time.Now().Add(time.Hour)
	_, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "rule block", Source: models.BlockSourceRule,
		UnblockAt: &unblockAt, AutoUnblock: true,
	})
	require.NoError(t, err)

	// fail2ban unbanning locally must not lift a rule-sourced server block.
	require.NoError(t, e.RecordFail2ban(ctx, agentID, []protocol.Fail2banEvent{
		{Jail: "sshd", EventType: "unban", IPAddress: "203.0.113.5", ObservedAt: time.Now()},
	}))
	block, err := s.GetActiveBlock(ctx, "203.0.113.5", &agentID)
	require.NoError(t, err)
	assert.True(t, block.IsActive)
}

func syncInventory(t *testing.T, s *store.Store, agentID int64, rules []protocol.UFWRule) {
	t.Helper()
	require.NoError(t, s.ReplaceUFWState(context.Background(), agentID, protocol.UFWInventory{
		Status:      protocol.UFWStatus{State: "active", RuleCount: len(rules)},
		Rules:       rules,
		CollectedAt: time.Now(),
	}, time.Now()))
}

func TestReconcileAdoptsEdgeOnlyDeny(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	agentID := testAgentID(t, s)

	syncInventory(t, s, agentID, []protocol.UFWRule{
		{Number: 1, Raw: "[ 1] Anywhere DENY IN 203.0.113.5", Action: "DENY IN", To: "Anywhere", From: "203.0.113.5"},
		{Number: 2, Raw: "[ 2] 22/tcp ALLOW IN Anywhere", Action: "ALLOW IN", To: "22/tcp", From: "Anywhere"},
		{Number: 3, Raw: "[ 3] Anywhere DENY IN 10.0.0.0/8", Action: "DENY IN", To: "Anywhere", From: "10.0.0.0/8"},
	})

	require.NoError(t, e.Reconcile(ctx, agentID))

	block, err := s.GetActiveBlock(ctx, "203.0.113.5", &agentID)
	require.NoError(t, err)
	assert.Equal(t, models.BlockSourceUFW, block.Source)
	assert.Equal(t, "reconciled", block.BlockType)

	// CIDR and allow rules are not adopted.
	_, err = s.GetActiveBlock(ctx, "10.0.0.0/8", &agentID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileReenqueuesDriftedDeny(t *testing.T) {
	s, err := store.Open(store.Config{
		DataDir:               t.TempDir(),
		DisableRetentionSweep: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e := New(Config{DefaultBlockMins: 60, ReenqueueAfter: time.Minute}, s, zerolog.Nop())

	ctx := context.Background()
	agentID := testAgentID(t, s)

	unblockAt := time.Now().Add(time.Hour)
	block, err := e.Emit(ctx, EmitRequest{
		IP: "203.0.113.5", AgentID: &agentID,
		Reason: "brute force", Source: models.BlockSourceRule,
		UnblockAt: &unblockAt, AutoUnblock: true,
	})
	require.NoError(t, err)

	// Drain the original deny; the edge then reports an empty ruleset.
	_, err = s.ClaimPendingCommands(ctx, agentID)
	require.NoError(t, err)
	syncInventory(t, s, agentID, nil)

	// Within the backoff the reconciler stays quiet.
	require.NoError(t, e.Reconcile(ctx, agentID))
	cmds, err := s.ClaimPendingCommands(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	// Age the delivery attempt past the backoff; the deny is re-sent.
	require.NoError(t, s.TouchBlockAttempt(ctx, block.ID, time.Now().Add(-2*time.Minute)))
	require.NoError(t, e.Reconcile(ctx, agentID))
	cmds, err = s.ClaimPendingCommands(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, string(protocol.CmdDenyFrom), cmds[0].Action)
}
