package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshguardian/guardian/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		DataDir:               t.TempDir(),
		DisableRetentionSweep: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAgent(t *testing.T, s *Store, agentID string) models.Agent {
	t.Helper()
	agent, err := s.CreateAgent(context.Background(), models.Agent{
		UUID:          uuid.NewString(),
		AgentID:       agentID,
		APIKeyHash:    "hash",
		Hostname:      agentID + ".example.net",
		Status:        models.AgentStatusPending,
		Health:        models.AgentHealthUnknown,
		IsActive:      true,
		HeartbeatSecs: 10,
	})
	require.NoError(t, err)
	return agent
}

func TestBatchReplayReturnsExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	batchUUID := uuid.NewString()
	first, created, err := s.CreateBatch(ctx, models.LogBatch{
		BatchUUID: batchUUID, AgentID: agent.ID, DeclaredCount: 3,
	})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.FinalizeBatch(ctx, batchUUID, 2, 1, models.BatchCompleted, ""))

	replay, created, err := s.CreateBatch(ctx, models.LogBatch{
		BatchUUID: batchUUID, AgentID: agent.ID, DeclaredCount: 3,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, 2, replay.EventsCreated)
	assert.Equal(t, 1, replay.EventsFailed)
	assert.Equal(t, models.BatchCompleted, replay.Status)
}

func TestOneActiveBlockPerIPAndAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	block, err := s.CreateBlock(ctx, models.IPBlock{
		IPAddress: "203.0.113.5",
		Reason:    "brute force",
		Source:    models.BlockSourceRule,
		AgentID:   &agent.ID,
		BlockedAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = s.CreateBlock(ctx, models.IPBlock{
		IPAddress: "203.0.113.5",
		Reason:    "second attempt",
		Source:    models.BlockSourceML,
		AgentID:   &agent.ID,
		BlockedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrBlockExists)

	// A server-wide block (nil agent) for the same IP is a distinct pair.
	_, err = s.CreateBlock(ctx, models.IPBlock{
		IPAddress: "203.0.113.5",
		Reason:    "server wide",
		Source:    models.BlockSourceManual,
		BlockedAt: time.Now(),
	})
	require.NoError(t, err)

	// Deactivating frees the pair for a new block.
	require.NoError(t, s.DeactivateBlock(ctx, block.ID, "expired"))
	_, err = s.CreateBlock(ctx, models.IPBlock{
		IPAddress: "203.0.113.5",
		Reason:    "again",
		Source:    models.BlockSourceRule,
		AgentID:   &agent.ID,
		BlockedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestCommandTransitionsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	first, err := s.EnqueueCommand(ctx, models.UFWCommand{
		CommandUUID: uuid.NewString(), AgentID: agent.ID,
		Action: "deny_from", Params: `{"ip":"203.0.113.5"}`,
	})
	require.NoError(t, err)
	second, err := s.EnqueueCommand(ctx, models.UFWCommand{
		CommandUUID: uuid.NewString(), AgentID: agent.ID,
		Action: "reload",
	})
	require.NoError(t, err)

	claimed, err := s.ClaimPendingCommands(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.CommandUUID, claimed[0].CommandUUID, "creation order preserved")
	assert.Equal(t, second.CommandUUID, claimed[1].CommandUUID)
	for _, c := range claimed {
		assert.Equal(t, models.CommandSent, c.Status)
		assert.NotNil(t, c.SentAt)
	}

	// A second poll hands out nothing.
	again, err := s.ClaimPendingCommands(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.RecordCommandResult(ctx, first.CommandUUID, true, "ok", time.Now()))
	got, err := s.GetCommand(ctx, first.CommandUUID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, got.Status)

	// Terminal commands never transition again.
	err = s.RecordCommandResult(ctx, first.CommandUUID, false, "late failure", time.Now())
	assert.ErrorIs(t, err, ErrTerminalCommand)
	got, err = s.GetCommand(ctx, first.CommandUUID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, got.Status)

	err = s.RecordCommandResult(ctx, uuid.NewString(), true, "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventUUIDDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := models.AuthEvent{
		EventUUID:  uuid.NewString(),
		Timestamp:  time.Now(),
		SourceType: models.SourceAgent,
		EventType:  models.EventFailed,
		SourceIP:   "198.51.100.7",
		Username:   "root",
	}
	_, created, err := s.InsertAuthEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = s.InsertAuthEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, created)

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIPStatsWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	insert := func(ip, user string, eventType models.EventType, age time.Duration) {
		_, created, err := s.InsertAuthEvent(ctx, models.AuthEvent{
			EventUUID:  uuid.NewString(),
			Timestamp:  now.Add(-age),
			SourceType: models.SourceAgent,
			EventType:  eventType,
			SourceIP:   ip,
			Username:   user,
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	insert("198.51.100.7", "root", models.EventFailed, 10*time.Second)
	insert("198.51.100.7", "admin", models.EventFailed, 30*time.Second)
	insert("198.51.100.7", "root", models.EventFailed, 30*time.Minute)
	insert("198.51.100.7", "root", models.EventSuccessful, 2*time.Hour)
	insert("203.0.113.9", "root", models.EventFailed, 5*time.Second) // other IP

	stats, err := s.IPStatsBefore(ctx, "198.51.100.7", now)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.AttemptsLastMinute)
	assert.Equal(t, 3, stats.AttemptsLastHour)
	assert.Equal(t, 2, stats.UniqueUsersLastHour)
	assert.Equal(t, 3, stats.FailuresLast24h)
	assert.Equal(t, 4, stats.TotalLast24h)
	assert.Equal(t, 4, stats.LifetimeAttempts)
	assert.Equal(t, 1, stats.LifetimeSuccesses)
	assert.Equal(t, 3, stats.ConsecutiveFailures, "failure run ends at the old success")
	assert.False(t, stats.FirstSeen)

	fresh, err := s.IPStatsBefore(ctx, "192.0.2.200", now)
	require.NoError(t, err)
	assert.True(t, fresh.FirstSeen)
	assert.Zero(t, fresh.LifetimeAttempts)
}

func TestSweepDisconnected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	require.NoError(t, s.RecordHeartbeat(ctx, models.Heartbeat{AgentID: agent.ID}, models.AgentHealthHealthy))

	// Fresh heartbeat: nothing to sweep.
	swept, err := s.SweepDisconnected(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, swept)

	// Age the heartbeat past 3x the 10s interval.
	_, err = s.DB().Exec(`UPDATE agents SET last_heartbeat = ? WHERE id = ?`,
		time.Now().Add(-31*time.Second).Unix(), agent.ID)
	require.NoError(t, err)

	swept, err = s.SweepDisconnected(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	got, err := s.GetAgentByAgentID(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusDisconnected, got.Status)
}

func TestExpiredBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired, err := s.CreateBlock(ctx, models.IPBlock{
		IPAddress: "203.0.113.1", Reason: "r", Source: models.BlockSourceRule,
		AutoUnblock: true, BlockedAt: time.Now().Add(-2 * time.Hour), UnblockAt: &past,
	})
	require.NoError(t, err)
	_, err = s.CreateBlock(ctx, models.IPBlock{
		IPAddress: "203.0.113.2", Reason: "r", Source: models.BlockSourceRule,
		AutoUnblock: true, BlockedAt: time.Now(), UnblockAt: &future,
	})
	require.NoError(t, err)
	_, err = s.CreateBlock(ctx, models.IPBlock{
		IPAddress: "203.0.113.3", Reason: "permanent", Source: models.BlockSourceManual,
		BlockedAt: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	list, err := s.ExpiredBlocks(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, expired.ID, list[0].ID)
}

func TestSettingsSeedAndOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule, anomaly, reputation, geographic, err := s.ScoringWeights(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, rule, 1e-9)
	assert.InDelta(t, 0.30, anomaly, 1e-9)
	assert.InDelta(t, 0.35, reputation, 1e-9)
	assert.InDelta(t, 0.10, geographic, 1e-9)

	require.NoError(t, s.SetSetting(ctx, SettingWeightRule, "0.40"))
	rule, _, _, _, err = s.ScoringWeights(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, rule, 1e-9)
}

func TestGeoUpsertMergesByIP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertGeo(ctx, models.IPGeo{
		IPAddress:   "192.0.2.9",
		Country:     "Testland",
		CountryCode: "TL",
		ThreatLevel: models.ThreatUnknown,
	})
	require.NoError(t, err)

	second, err := s.UpsertGeo(ctx, models.IPGeo{
		IPAddress:   "192.0.2.9",
		Country:     "Testland",
		CountryCode: "TL",
		AbuseScore:  95,
		ThreatLevel: models.ThreatCritical,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 95, second.AbuseScore)
	assert.Equal(t, models.ThreatCritical, second.ThreatLevel)
}

func TestDeleteAgentCascadesOwnedTelemetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := newTestAgent(t, s, "web-01")

	require.NoError(t, s.RecordHeartbeat(ctx, models.Heartbeat{AgentID: agent.ID}, models.AgentHealthHealthy))
	_, err := s.EnqueueCommand(ctx, models.UFWCommand{
		CommandUUID: uuid.NewString(), AgentID: agent.ID, Action: "reload",
	})
	require.NoError(t, err)

	eventID, _, err := s.InsertAuthEvent(ctx, models.AuthEvent{
		EventUUID: uuid.NewString(), Timestamp: time.Now(),
		SourceType: models.SourceAgent, EventType: models.EventFailed,
		SourceIP: "198.51.100.7", AgentID: &agent.ID,
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAgent(ctx, "web-01"))

	var heartbeats, commands int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM agent_heartbeats`).Scan(&heartbeats))
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM agent_ufw_commands`).Scan(&commands))
	assert.Zero(t, heartbeats)
	assert.Zero(t, commands)

	// The event survives with a nulled agent reference.
	var agentRef any
	require.NoError(t, s.DB().QueryRow(
		`SELECT agent_id FROM auth_events WHERE id = ?`, eventID).Scan(&agentRef))
	assert.Nil(t, agentRef)
}

func TestOpenSeedsDefaultRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rules, err := s.EnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2, "a fresh database carries the default rules")

	// Priority order: reputation short-circuit ahead of the brute-force
	// threshold.
	assert.Equal(t, "known bad reputation", rules[0].Name)
	assert.Equal(t, 100, rules[0].Severity)
	assert.Equal(t, "ssh brute force", rules[1].Name)
	assert.Equal(t, 75, rules[1].Severity)
	for _, r := range rules {
		assert.True(t, r.AutoUnblock)
		assert.Positive(t, r.BlockMinutes)
	}
}

func TestSeedDoesNotResurrectDisabledRules(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{DataDir: dir, DisableRetentionSweep: true}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	rules, err := s.EnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.NoError(t, s.SetRuleEnabled(ctx, rules[0].ID, false))
	require.NoError(t, s.Close())

	reopened, err := Open(Config{DataDir: dir, DisableRetentionSweep: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	after, err := reopened.EnabledRules(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 1, "reopening must not reinstall operator-disabled rules")
}
