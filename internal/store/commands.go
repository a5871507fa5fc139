package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sshguardian/guardian/internal/models"
)

// ErrTerminalCommand is returned when a result arrives for a command that
// already reached completed or failed. Transitions are monotonic.
var ErrTerminalCommand = errors.New("store: command already terminal")

const commandColumns = `id, command_uuid, agent_id, action, params, raw_command,
	status, result, created_by, created_at, sent_at, executed_at`

func scanCommand(row interface{ Scan(...any) error }) (models.UFWCommand, error) {
	var (
		c                  models.UFWCommand
		createdAt          int64
		sentAt, executedAt sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.CommandUUID, &c.AgentID, &c.Action, &c.Params,
		&c.RawCommand, &c.Status, &c.Result, &c.CreatedBy, &createdAt,
		&sentAt, &executedAt)
	if err != nil {
		return models.UFWCommand{}, err
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.SentAt = nullTime(sentAt)
	c.ExecutedAt = nullTime(executedAt)
	return c, nil
}

// EnqueueCommand appends a pending command to an agent's queue.
func (s *Store) EnqueueCommand(ctx context.Context, c models.UFWCommand) (models.UFWCommand, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_ufw_commands (command_uuid, agent_id, action, params,
			raw_command, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommandUUID, c.AgentID, c.Action, c.Params, c.RawCommand,
		string(models.CommandPending), c.CreatedBy, now.Unix())
	if err != nil {
		return models.UFWCommand{}, fmt.Errorf("enqueue command %s: %w", c.CommandUUID, err)
	}
	c.ID, _ = res.LastInsertId()
	c.Status = models.CommandPending
	c.CreatedAt = now.UTC()
	return c, nil
}

// ClaimPendingCommands atomically reads an agent's pending commands in
// creation order and transitions them to sent. Concurrent pollers for the
// same agent are serialized by the transaction, so each command UUID is
// handed out exactly once.
func (s *Store) ClaimPendingCommands(ctx context.Context, agentID int64) ([]models.UFWCommand, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM agent_ufw_commands
		WHERE agent_id = ? AND status = ? ORDER BY id`,
		agentID, string(models.CommandPending))
	if err != nil {
		return nil, fmt.Errorf("select pending commands: %w", err)
	}

	var commands []models.UFWCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now()
	for i := range commands {
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_ufw_commands SET status = ?, sent_at = ?
			WHERE id = ? AND status = ?`,
			string(models.CommandSent), now.Unix(), commands[i].ID,
			string(models.CommandPending)); err != nil {
			return nil, fmt.Errorf("mark command %s sent: %w", commands[i].CommandUUID, err)
		}
		commands[i].Status = models.CommandSent
		sent := now.UTC()
		commands[i].SentAt = &sent
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return commands, nil
}

// RecordCommandResult transitions a sent command to completed or failed.
// Unknown UUIDs return ErrNotFound; terminal commands are never re-opened.
func (s *Store) RecordCommandResult(ctx context.Context, commandUUID string, success bool, message string, executedAt time.Time) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM agent_ufw_commands WHERE command_uuid = ?`,
		commandUUID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup command %s: %w", commandUUID, err)
	}
	if status == string(models.CommandCompleted) || status == string(models.CommandFailed) {
		return ErrTerminalCommand
	}

	final := models.CommandCompleted
	if !success {
		final = models.CommandFailed
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agent_ufw_commands SET status = ?, result = ?, executed_at = ?
		WHERE command_uuid = ? AND status IN (?, ?)`,
		string(final), message, executedAt.Unix(), commandUUID,
		string(models.CommandPending), string(models.CommandSent))
	if err != nil {
		return fmt.Errorf("record result for %s: %w", commandUUID, err)
	}
	return nil
}

// GetCommand fetches a command by UUID.
func (s *Store) GetCommand(ctx context.Context, commandUUID string) (models.UFWCommand, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM agent_ufw_commands WHERE command_uuid = ?`,
		commandUUID)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UFWCommand{}, ErrNotFound
	}
	if err != nil {
		return models.UFWCommand{}, fmt.Errorf("get command %s: %w", commandUUID, err)
	}
	return c, nil
}
