package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sshguardian/guardian/internal/models"
)

const batchColumns = `id, batch_uuid, agent_id, hostname, source_filename,
	declared_count, events_created, events_failed, status, error,
	received_at, completed_at`

func scanBatch(row interface{ Scan(...any) error }) (models.LogBatch, error) {
	var (
		b           models.LogBatch
		receivedAt  int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.BatchUUID, &b.AgentID, &b.Hostname,
		&b.SourceFilename, &b.DeclaredCount, &b.EventsCreated, &b.EventsFailed,
		&b.Status, &b.Error, &receivedAt, &completedAt)
	if err != nil {
		return models.LogBatch{}, err
	}
	b.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	b.CompletedAt = nullTime(completedAt)
	return b, nil
}

// GetBatch looks up a batch by UUID.
func (s *Store) GetBatch(ctx context.Context, batchUUID string) (models.LogBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM agent_log_batches WHERE batch_uuid = ?`,
		batchUUID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LogBatch{}, ErrNotFound
	}
	if err != nil {
		return models.LogBatch{}, fmt.Errorf("get batch %s: %w", batchUUID, err)
	}
	return b, nil
}

// CreateBatch records a newly received batch. A duplicate UUID returns the
// existing row with created=false so the ingestor can replay its counts.
func (s *Store) CreateBatch(ctx context.Context, b models.LogBatch) (models.LogBatch, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_log_batches (batch_uuid, agent_id, hostname,
			source_filename, declared_count, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_uuid) DO NOTHING`,
		b.BatchUUID, b.AgentID, b.Hostname, b.SourceFilename,
		b.DeclaredCount, string(models.BatchReceived), time.Now().Unix())
	if err != nil {
		return models.LogBatch{}, false, fmt.Errorf("insert batch %s: %w", b.BatchUUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetBatch(ctx, b.BatchUUID)
		return existing, false, err
	}
	created, err := s.GetBatch(ctx, b.BatchUUID)
	return created, true, err
}

// MarkBatchProcessing moves a batch into the processing state.
func (s *Store) MarkBatchProcessing(ctx context.Context, batchUUID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_log_batches SET status = ? WHERE batch_uuid = ?`,
		string(models.BatchProcessing), batchUUID)
	if err != nil {
		return fmt.Errorf("mark batch %s processing: %w", batchUUID, err)
	}
	return nil
}

// FinalizeBatch records the terminal outcome of batch processing.
func (s *Store) FinalizeBatch(ctx context.Context, batchUUID string, created, failed int, status models.BatchStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_log_batches
		SET events_created = ?, events_failed = ?, status = ?, error = ?, completed_at = ?
		WHERE batch_uuid = ?`,
		created, failed, string(status), errMsg, time.Now().Unix(), batchUUID)
	if err != nil {
		return fmt.Errorf("finalize batch %s: %w", batchUUID, err)
	}
	return nil
}

// CountInflightBatches counts an agent's batches still in received or
// processing state, for ingest back-pressure.
func (s *Store) CountInflightBatches(ctx context.Context, agentID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_log_batches
		WHERE agent_id = ? AND status IN (?, ?)`,
		agentID, string(models.BatchReceived), string(models.BatchProcessing)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count inflight batches: %w", err)
	}
	return n, nil
}
