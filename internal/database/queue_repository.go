package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// QueueRepository handles the import queue.
type QueueRepository struct {
	db Querier
}

// NewQueueRepository creates a queue repository.
func NewQueueRepository(db Querier) *QueueRepository {
	return &QueueRepository{db: db}
}

// WithTx returns a repository bound to a transaction.
func (r *QueueRepository) WithTx(tx *sql.Tx) *QueueRepository {
	return &QueueRepository{db: tx}
}

// Add inserts a new queue item, generating its id when missing.
func (r *QueueRepository) Add(ctx context.Context, item *QueueItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO import_queue (id, file_name, job_name, category, nzb_contents, priority, pause_until, total_segment_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		item.ID, item.FileName, item.JobName, item.Category, item.NzbContents,
		item.Priority, item.PauseUntil, item.TotalSegmentBytes)
	if err != nil {
		return err
	}
	item.CreatedAt = time.Now()
	return nil
}

const queueColumns = `id, file_name, job_name, category, nzb_contents, priority, pause_until, total_segment_bytes, created_at`

func scanQueueItem(row interface{ Scan(...any) error }) (*QueueItem, error) {
	var item QueueItem
	err := row.Scan(&item.ID, &item.FileName, &item.JobName, &item.Category,
		&item.NzbContents, &item.Priority, &item.PauseUntil, &item.TotalSegmentBytes, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// NextEligible returns the queue head: highest priority first, then oldest,
// skipping items paused into the future. Nil when the queue is drained.
func (r *QueueRepository) NextEligible(ctx context.Context) (*QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM import_queue
		WHERE pause_until IS NULL OR datetime(pause_until) <= datetime('now')
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// Item fetches one queue item by id.
func (r *QueueRepository) Item(ctx context.Context, id string) (*QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM import_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// List returns all queue items in serving order.
func (r *QueueRepository) List(ctx context.Context) ([]*QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM import_queue
		ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Remove deletes queue items by id.
func (r *QueueRepository) Remove(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM import_queue WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// Defer pauses an item until the given time, keeping it in the queue.
func (r *QueueRepository) Defer(ctx context.Context, id string, until time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE import_queue SET pause_until = ? WHERE id = ?`, until.UTC(), id)
	return err
}

// Count returns the number of queued items.
func (r *QueueRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM import_queue`).Scan(&n)
	return n, err
}

// HistoryRepository handles finished-job records.
type HistoryRepository struct {
	db Querier
}

// NewHistoryRepository creates a history repository.
func NewHistoryRepository(db Querier) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// WithTx returns a repository bound to a transaction.
func (r *HistoryRepository) WithTx(tx *sql.Tx) *HistoryRepository {
	return &HistoryRepository{db: tx}
}

// Add inserts a history row.
func (r *HistoryRepository) Add(ctx context.Context, item *HistoryItem) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO history (id, job_name, category, status, total_segment_bytes, download_time_seconds, fail_message, download_dir_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		item.ID, item.JobName, item.Category, item.Status, item.TotalSegmentBytes,
		item.DownloadTimeSeconds, item.FailMessage, item.DownloadDirID)
	return err
}

// List returns history rows, newest first, within the given range.
func (r *HistoryRepository) List(ctx context.Context, offset, limit int) ([]*HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_name, category, status, total_segment_bytes, download_time_seconds,
		       COALESCE(fail_message, ''), COALESCE(download_dir_id, ''), created_at
		FROM history
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*HistoryItem
	for rows.Next() {
		var item HistoryItem
		if err := rows.Scan(&item.ID, &item.JobName, &item.Category, &item.Status,
			&item.TotalSegmentBytes, &item.DownloadTimeSeconds, &item.FailMessage,
			&item.DownloadDirID, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Remove deletes history rows by id.
func (r *HistoryRepository) Remove(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}
