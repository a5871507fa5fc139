package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sshguardian/guardian/internal/models"
)

// ErrBlockExists is returned by CreateBlock when an active block already
// covers the (ip, agent) pair. Callers short-circuit on it.
var ErrBlockExists = errors.New("store: active block already exists")

const blockColumns = `id, ip_address, cidr, reason, source, block_type, rule_id,
	event_id, agent_id, is_active, auto_unblock, blocked_at, unblock_at,
	unblocked_at, unblock_reason, last_attempt_at`

func scanBlock(row interface{ Scan(...any) error }) (models.IPBlock, error) {
	var (
		b                                  models.IPBlock
		blockedAt                          int64
		unblockAt, unblockedAt, lastAttempt sql.NullInt64
		ruleID, eventID, agentID           sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.IPAddress, &b.CIDR, &b.Reason, &b.Source,
		&b.BlockType, &ruleID, &eventID, &agentID, &b.IsActive, &b.AutoUnblock,
		&blockedAt, &unblockAt, &unblockedAt, &b.UnblockReason, &lastAttempt)
	if err != nil {
		return models.IPBlock{}, err
	}
	b.BlockedAt = time.Unix(blockedAt, 0).UTC()
	b.UnblockAt = nullTime(unblockAt)
	b.UnblockedAt = nullTime(unblockedAt)
	b.LastAttemptAt = nullTime(lastAttempt)
	if ruleID.Valid {
		b.RuleID = &ruleID.Int64
	}
	if eventID.Valid {
		b.EventID = &eventID.Int64
	}
	if agentID.Valid {
		b.AgentID = &agentID.Int64
	}
	return b, nil
}

// CreateBlock inserts a new active block. The partial unique index on
// (ip, agent, is_active=1) makes concurrent creation race-safe: the loser
// receives ErrBlockExists.
func (s *Store) CreateBlock(ctx context.Context, b models.IPBlock) (models.IPBlock, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_blocks (ip_address, cidr, reason, source, block_type,
			rule_id, event_id, agent_id, is_active, auto_unblock, blocked_at,
			unblock_at, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		b.IPAddress, b.CIDR, b.Reason, string(b.Source), b.BlockType,
		b.RuleID, b.EventID, b.AgentID, b.AutoUnblock, b.BlockedAt.Unix(),
		timePtr(b.UnblockAt), timePtr(b.LastAttemptAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return models.IPBlock{}, ErrBlockExists
		}
		return models.IPBlock{}, fmt.Errorf("insert block for %s: %w", b.IPAddress, err)
	}
	b.ID, _ = res.LastInsertId()
	b.IsActive = true
	return b, nil
}

// GetActiveBlock returns the single active block for (ip, agent), if any.
// agentID may be nil for server-wide blocks.
func (s *Store) GetActiveBlock(ctx context.Context, ip string, agentID *int64) (models.IPBlock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+blockColumns+` FROM ip_blocks
		WHERE ip_address = ? AND COALESCE(agent_id, -1) = COALESCE(?, -1) AND is_active = 1`,
		ip, agentID)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IPBlock{}, ErrNotFound
	}
	if err != nil {
		return models.IPBlock{}, fmt.Errorf("get active block %s: %w", ip, err)
	}
	return b, nil
}

// ExtendBlock pushes out the unblock instant of an active block.
func (s *Store) ExtendBlock(ctx context.Context, blockID int64, unblockAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ip_blocks SET unblock_at = ? WHERE id = ? AND is_active = 1`,
		unblockAt.Unix(), blockID)
	if err != nil {
		return fmt.Errorf("extend block %d: %w", blockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteBlockPermanent clears a block's expiry so it never auto-unblocks.
func (s *Store) PromoteBlockPermanent(ctx context.Context, blockID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ip_blocks SET unblock_at = NULL, auto_unblock = 0
		WHERE id = ? AND is_active = 1`, blockID)
	if err != nil {
		return fmt.Errorf("promote block %d: %w", blockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateBlock marks a block inactive with a reason.
func (s *Store) DeactivateBlock(ctx context.Context, blockID int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ip_blocks SET is_active = 0, unblocked_at = ?, unblock_reason = ?
		WHERE id = ? AND is_active = 1`,
		time.Now().Unix(), reason, blockID)
	if err != nil {
		return fmt.Errorf("deactivate block %d: %w", blockID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchBlockAttempt records the most recent delivery attempt for a block's
// deny command, used by the reconciler's re-enqueue backoff.
func (s *Store) TouchBlockAttempt(ctx context.Context, blockID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ip_blocks SET last_attempt_at = ? WHERE id = ?`, at.Unix(), blockID)
	if err != nil {
		return fmt.Errorf("touch block %d: %w", blockID, err)
	}
	return nil
}

// ExpiredBlocks returns active blocks whose unblock instant has passed and
// which are flagged for automatic unblocking.
func (s *Store) ExpiredBlocks(ctx context.Context, now time.Time) ([]models.IPBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+` FROM ip_blocks
		WHERE is_active = 1 AND auto_unblock = 1
		  AND unblock_at IS NOT NULL AND unblock_at <= ?
		ORDER BY unblock_at`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired blocks: %w", err)
	}
	defer rows.Close()
	return collectBlocks(rows)
}

// ActiveBlocksForAgent returns every active block bound to an agent.
func (s *Store) ActiveBlocksForAgent(ctx context.Context, agentID int64) ([]models.IPBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+` FROM ip_blocks
		WHERE agent_id = ? AND is_active = 1 ORDER BY blocked_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list active blocks for agent %d: %w", agentID, err)
	}
	defer rows.Close()
	return collectBlocks(rows)
}

func collectBlocks(rows *sql.Rows) ([]models.IPBlock, error) {
	var blocks []models.IPBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// AppendAction records one blocking lifecycle transition.
func (s *Store) AppendAction(ctx context.Context, a models.BlockingAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocking_actions (action_uuid, block_id, action, detail,
			created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ActionUUID, a.BlockID, string(a.Action), a.Detail, a.CreatedBy,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("append blocking action: %w", err)
	}
	return nil
}

// ActionsForBlock lists the audit trail of a block, oldest first.
func (s *Store) ActionsForBlock(ctx context.Context, blockID int64) ([]models.BlockingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_uuid, block_id, action, detail, created_by, created_at
		FROM blocking_actions WHERE block_id = ? ORDER BY id`, blockID)
	if err != nil {
		return nil, fmt.Errorf("list actions for block %d: %w", blockID, err)
	}
	defer rows.Close()

	var actions []models.BlockingAction
	for rows.Next() {
		var (
			a         models.BlockingAction
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.ActionUUID, &a.BlockID, &a.Action,
			&a.Detail, &a.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// InsertFail2banEvent records a ban/unban observed at the edge.
func (s *Store) InsertFail2banEvent(ctx context.Context, e models.Fail2banEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fail2ban_events (agent_id, jail, event_type, ip_address, observed_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.AgentID, e.Jail, e.EventType, e.IPAddress, e.ObservedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert fail2ban event: %w", err)
	}
	return nil
}
