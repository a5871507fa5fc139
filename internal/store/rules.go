package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sshguardian/guardian/internal/models"
)

// defaultRules are installed into an empty rules table so a fresh server
// blocks brute force and known-bad sources out of the box. Seeding never
// resurrects a rule the operator has disabled or deleted.
var defaultRules = []models.BlockingRule{
	{
		Name:         "ssh brute force",
		RuleType:     models.RuleThreshold,
		Priority:     100,
		Enabled:      true,
		Severity:     75,
		BlockMinutes: 60,
		AutoUnblock:  true,
		Conditions:   `{"all":[{"field":"event_type","op":"eq","value":"failed"},{"field":"consecutive_failures","op":"gte","value":5}]}`,
	},
	{
		Name:         "known bad reputation",
		RuleType:     models.RulePattern,
		Priority:     50,
		Enabled:      true,
		Severity:     100,
		BlockMinutes: 1440,
		AutoUnblock:  true,
		Conditions:   `{"any":[{"field":"abuse_score","op":"gte","value":90},{"field":"vt_ratio","op":"gte","value":0.1},{"field":"threat_level","op":"eq","value":"critical"}]}`,
	},
}

func (s *Store) seedRules() error {
	var existing int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM blocking_rules`).Scan(&existing); err != nil {
		return fmt.Errorf("count rules: %w", err)
	}
	if existing > 0 {
		return nil
	}
	for _, r := range defaultRules {
		if _, err := s.CreateRule(context.Background(), r); err != nil {
			return err
		}
	}
	return nil
}

// CreateRule persists a blocking rule.
func (s *Store) CreateRule(ctx context.Context, r models.BlockingRule) (models.BlockingRule, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blocking_rules (name, rule_type, priority, enabled,
			conditions, severity, block_minutes, permanent, auto_unblock,
			notifications, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, string(r.RuleType), r.Priority, r.Enabled, r.Conditions,
		r.Severity, r.BlockMinutes, r.Permanent, r.AutoUnblock,
		r.Notifications, now.Unix())
	if err != nil {
		return models.BlockingRule{}, fmt.Errorf("insert rule %s: %w", r.Name, err)
	}
	r.ID, _ = res.LastInsertId()
	r.CreatedAt = now.UTC()
	return r, nil
}

// EnabledRules returns every enabled rule, highest priority (lowest number)
// first. Disabled rules are retained for audit but never returned here.
func (s *Store) EnabledRules(ctx context.Context) ([]models.BlockingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rule_type, priority, enabled, conditions, severity,
			block_minutes, permanent, auto_unblock, notifications, created_at
		FROM blocking_rules WHERE enabled = 1 ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []models.BlockingRule
	for rows.Next() {
		var (
			r         models.BlockingRule
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.RuleType, &r.Priority,
			&r.Enabled, &r.Conditions, &r.Severity, &r.BlockMinutes,
			&r.Permanent, &r.AutoUnblock, &r.Notifications, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetRuleEnabled toggles a rule without deleting it.
func (s *Store) SetRuleEnabled(ctx context.Context, ruleID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocking_rules SET enabled = ? WHERE id = ?`, enabled, ruleID)
	if err != nil {
		return fmt.Errorf("toggle rule %d: %w", ruleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
