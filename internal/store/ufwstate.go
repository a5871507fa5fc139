package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/pkg/protocol"
)

// ReplaceUFWState swaps an agent's firewall mirror atomically: the status
// row is upserted and the rule list is replaced in full within one
// transaction. Partial merges never happen.
func (s *Store) ReplaceUFWState(ctx context.Context, agentID int64, inv protocol.UFWInventory, submittedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ufw sync tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_ufw_state (agent_id, status, default_incoming,
			default_outgoing, default_routed, logging_level, ipv6_enabled,
			version, rule_count, collected_at, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			default_incoming = excluded.default_incoming,
			default_outgoing = excluded.default_outgoing,
			default_routed = excluded.default_routed,
			logging_level = excluded.logging_level,
			ipv6_enabled = excluded.ipv6_enabled,
			version = excluded.version,
			rule_count = excluded.rule_count,
			collected_at = excluded.collected_at,
			submitted_at = excluded.submitted_at`,
		agentID, inv.Status.State, inv.Status.DefaultIncoming,
		inv.Status.DefaultOutgoing, inv.Status.DefaultRouted,
		inv.Status.LoggingLevel, inv.Status.IPv6Enabled, inv.Status.Version,
		len(inv.Rules), inv.CollectedAt.Unix(), submittedAt.Unix()); err != nil {
		return fmt.Errorf("upsert ufw state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_ufw_rules WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear ufw rules: %w", err)
	}

	for _, rule := range inv.Rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_ufw_rules (agent_id, rule_number, raw_rule,
				action, direction, to_target, from_source)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agentID, rule.Number, rule.Raw, rule.Action, rule.Direction,
			rule.To, rule.From); err != nil {
			return fmt.Errorf("insert ufw rule %d: %w", rule.Number, err)
		}
	}

	return tx.Commit()
}

// GetUFWState returns an agent's last synced firewall status.
func (s *Store) GetUFWState(ctx context.Context, agentID int64) (models.UFWState, error) {
	var (
		st                       models.UFWState
		collectedAt, submittedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, default_incoming, default_outgoing,
			default_routed, logging_level, ipv6_enabled, version, rule_count,
			collected_at, submitted_at
		FROM agent_ufw_state WHERE agent_id = ?`, agentID).Scan(
		&st.ID, &st.AgentID, &st.Status, &st.DefaultIncoming,
		&st.DefaultOutgoing, &st.DefaultRouted, &st.LoggingLevel,
		&st.IPv6Enabled, &st.Version, &st.RuleCount, &collectedAt, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UFWState{}, ErrNotFound
	}
	if err != nil {
		return models.UFWState{}, fmt.Errorf("get ufw state for agent %d: %w", agentID, err)
	}
	st.CollectedAt = time.Unix(collectedAt, 0).UTC()
	st.SubmittedAt = time.Unix(submittedAt, 0).UTC()
	return st, nil
}

// GetUFWRules returns an agent's mirrored rules in numbered order.
func (s *Store) GetUFWRules(ctx context.Context, agentID int64) ([]models.UFWRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, rule_number, raw_rule, action, direction,
			to_target, from_source
		FROM agent_ufw_rules WHERE agent_id = ? ORDER BY rule_number`, agentID)
	if err != nil {
		return nil, fmt.Errorf("get ufw rules for agent %d: %w", agentID, err)
	}
	defer rows.Close()

	var rules []models.UFWRule
	for rows.Next() {
		var r models.UFWRule
		if err := rows.Scan(&r.ID, &r.AgentID, &r.RuleNumber, &r.RawRule,
			&r.Action, &r.Direction, &r.To, &r.From); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
