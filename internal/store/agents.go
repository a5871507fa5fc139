package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sshguardian/guardian/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const agentColumns = `id, uuid, agent_id, api_key_hash, hostname, display_name,
	environment, version, features, is_approved, is_active, status, health,
	last_heartbeat, heartbeat_interval_sec, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (models.Agent, error) {
	var (
		a             models.Agent
		lastHeartbeat sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&a.ID, &a.UUID, &a.AgentID, &a.APIKeyHash, &a.Hostname,
		&a.DisplayName, &a.Environment, &a.Version, &a.Features, &a.IsApproved,
		&a.IsActive, &a.Status, &a.Health, &lastHeartbeat, &a.HeartbeatSecs,
		&createdAt, &updatedAt)
	if err != nil {
		return models.Agent{}, err
	}
	a.LastHeartbeat = nullTime(lastHeartbeat)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return a, nil
}

// CreateAgent persists a newly registered agent in pending state.
func (s *Store) CreateAgent(ctx context.Context, a models.Agent) (models.Agent, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (uuid, agent_id, api_key_hash, hostname, display_name,
			environment, version, features, is_approved, is_active, status, health,
			heartbeat_interval_sec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UUID, a.AgentID, a.APIKeyHash, a.Hostname, a.DisplayName,
		a.Environment, a.Version, a.Features, a.IsApproved, a.IsActive,
		string(a.Status), string(a.Health), a.HeartbeatSecs, now.Unix(), now.Unix())
	if err != nil {
		return models.Agent{}, fmt.Errorf("insert agent %s: %w", a.AgentID, err)
	}
	a.ID, _ = res.LastInsertId()
	a.CreatedAt = now.UTC()
	a.UpdatedAt = now.UTC()
	return a, nil
}

// GetAgentByAgentID looks up an agent by its stable string identifier.
func (s *Store) GetAgentByAgentID(ctx context.Context, agentID string) (models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Agent{}, ErrNotFound
	}
	if err != nil {
		return models.Agent{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// UpdateAgentInfo refreshes the mutable registration fields of an agent.
func (s *Store) UpdateAgentInfo(ctx context.Context, agentID, hostname, version, features string, heartbeatSecs int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET hostname = ?, version = ?, features = ?,
			heartbeat_interval_sec = ?, updated_at = ?
		WHERE agent_id = ?`,
		hostname, version, features, heartbeatSecs, time.Now().Unix(), agentID)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}
	return nil
}

// ApproveAgent flips an agent to approved and active.
func (s *Store) ApproveAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET is_approved = 1, status = ?, updated_at = ?
		WHERE agent_id = ?`,
		string(models.AgentStatusActive), time.Now().Unix(), agentID)
	if err != nil {
		return fmt.Errorf("approve agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateAgent administratively disables an agent. The identity and API
// key are never recycled.
func (s *Store) DeactivateAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET is_active = 0, status = ?, updated_at = ?
		WHERE agent_id = ?`,
		string(models.AgentStatusInactive), time.Now().Unix(), agentID)
	if err != nil {
		return fmt.Errorf("deactivate agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordHeartbeat updates the agent's liveness fields and appends one
// heartbeat row.
func (s *Store) RecordHeartbeat(ctx context.Context, hb models.Heartbeat, health models.AgentHealth) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?, health = ?, status = ?, updated_at = ?
		WHERE id = ? AND is_active = 1`,
		now.Unix(), string(health), string(models.AgentStatusActive), now.Unix(), hb.AgentID); err != nil {
		return fmt.Errorf("update agent heartbeat: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_heartbeats (agent_id, cpu_percent, memory_percent,
			disk_percent, uptime_seconds, health, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		hb.AgentID, hb.CPUPercent, hb.MemoryPercent, hb.DiskPercent,
		hb.UptimeSeconds, hb.Health, now.Unix()); err != nil {
		return fmt.Errorf("insert heartbeat row: %w", err)
	}

	return tx.Commit()
}

// SweepDisconnected transitions agents whose last heartbeat is older than
// 3x their heartbeat interval to disconnected. Returns the number swept.
func (s *Store) SweepDisconnected(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ?
		WHERE status = ?
		  AND last_heartbeat IS NOT NULL
		  AND last_heartbeat <= ? - (3 * heartbeat_interval_sec)`,
		string(models.AgentStatusDisconnected), now.Unix(),
		string(models.AgentStatusActive), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep disconnected agents: %w", err)
	}
	return res.RowsAffected()
}

// ListAgents returns all agents ordered by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent. Owned telemetry cascades; auth events and
// blocks keep their rows with a nulled agent reference.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
