// Package queue serializes job execution: one NZB is processed at a time,
// jobs can be cancelled mid-flight, and every state change is published on
// the event bus.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odz123/nzbdav/internal/database"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/events"
)

const (
	// pollInterval is how long the worker sleeps on an empty queue.
	pollInterval = 5 * time.Second
	// deferDelay pauses a job after a transient failure.
	deferDelay = time.Minute
	// ProgressFinalizing is the reserved progress sentinel above 100
	// published while the job's results are being committed.
	ProgressFinalizing = 200
)

// ItemProcessor runs the pipeline for one queue item. It returns the id of
// the created mount folder.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item *database.QueueItem, progress func(percent int)) (string, error)
}

// Manager is the single-flight queue worker.
type Manager struct {
	db        *database.DB
	processor ItemProcessor
	bus       *events.Bus
	progress  *events.Debouncer
	log       *slog.Logger

	// mu serializes state transitions only; processing runs outside it.
	mu       sync.Mutex
	running  bool
	paused   bool
	cancel   context.CancelFunc
	inFlight *inFlightJob

	wg sync.WaitGroup
}

// inFlightJob tracks the job currently being processed.
type inFlightJob struct {
	item    *database.QueueItem
	percent int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a queue manager.
func NewManager(db *database.DB, processor ItemProcessor, bus *events.Bus) *Manager {
	return &Manager{
		db:        db,
		processor: processor,
		bus:       bus,
		progress:  events.NewDebouncer(bus, events.TopicQueueProgress),
		log:       slog.Default().With("component", "queue-manager"),
	}
}

// Start launches the worker loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()

	m.log.InfoContext(ctx, "Queue manager started")
}

// Stop cancels the in-flight job and waits for the worker to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.progress.Stop()
}

// Pause stops claiming new items; the in-flight job finishes.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume re-enables claiming.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// IsPaused reports whether claiming is suspended.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		item := m.claim(ctx)
		if item == nil {
			select {
			case <-time.After(pollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		m.runJob(ctx, item)
	}
}

// claim pops the eligible queue head unless paused.
func (m *Manager) claim(ctx context.Context) *database.QueueItem {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return nil
	}

	item, err := m.db.Queue.NextEligible(ctx)
	if err != nil {
		m.log.ErrorContext(ctx, "Failed to poll queue", "error", err)
		return nil
	}
	return item
}

// runJob executes one item with a linked cancellation handle.
func (m *Manager) runJob(ctx context.Context, item *database.QueueItem) {
	jobCtx, jobCancel := context.WithCancel(ctx)
	job := &inFlightJob{
		item:   item,
		cancel: jobCancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.inFlight = job
	m.mu.Unlock()

	defer func() {
		jobCancel()
		m.mu.Lock()
		m.inFlight = nil
		m.mu.Unlock()
		close(job.done)
	}()

	started := time.Now()
	m.publishStatus(item.ID, "Downloading")

	dirID, err := m.processor.ProcessItem(jobCtx, item, func(percent int) {
		m.mu.Lock()
		job.percent = percent
		m.mu.Unlock()
		m.progress.Publish(fmt.Sprintf("%s|%d", item.ID, percent), percent >= 100)
	})

	switch {
	case err == nil:
		m.progress.Publish(fmt.Sprintf("%s|%d", item.ID, ProgressFinalizing), true)
		m.finalize(ctx, item, database.HistoryStatusCompleted, "", dirID, started)
	case nzberrors.KindOf(err) == nzberrors.KindCancelled:
		// Cancellation is not a failure: the queue row stays (RemoveItems
		// deletes it when the cancel came from a removal).
		m.log.InfoContext(ctx, "Job cancelled", "queue_id", item.ID)
	case nzberrors.IsRetryable(err):
		until := time.Now().Add(deferDelay)
		if derr := m.db.Queue.Defer(ctx, item.ID, until); derr != nil {
			m.log.ErrorContext(ctx, "Failed to defer job", "queue_id", item.ID, "error", derr)
		}
		m.publishStatus(item.ID, "Deferred: "+sanitizeFailMessage(err.Error()))
		m.log.WarnContext(ctx, "Job deferred after transient failure",
			"queue_id", item.ID, "retry_at", until, "error", err)
	default:
		m.progress.Publish(fmt.Sprintf("%s|errored", item.ID), true)
		m.finalize(ctx, item, database.HistoryStatusFailed, sanitizeFailMessage(err.Error()), "", started)
	}
}

// finalize removes the queue row and writes the history row atomically,
// then publishes the terminal events.
func (m *Manager) finalize(ctx context.Context, item *database.QueueItem, status database.HistoryStatus, failMessage, dirID string, started time.Time) {
	hist := &database.HistoryItem{
		ID:                  item.ID,
		JobName:             item.JobName,
		Category:            item.Category,
		Status:              status,
		TotalSegmentBytes:   item.TotalSegmentBytes,
		DownloadTimeSeconds: int64(time.Since(started).Seconds()),
		FailMessage:         failMessage,
		DownloadDirID:       dirID,
	}

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		if err := m.db.Queue.WithTx(tx).Remove(ctx, item.ID); err != nil {
			return err
		}
		return m.db.History.WithTx(tx).Add(ctx, hist)
	})
	if err != nil {
		m.log.ErrorContext(ctx, "Failed to finalize job", "queue_id", item.ID, "error", err)
		return
	}

	m.bus.Publish(events.TopicQueueRemoved, item.ID)
	if payload, err := json.Marshal(hist); err == nil {
		m.bus.Publish(events.TopicHistoryAdded, string(payload))
	}
	m.publishStatus(item.ID, string(status))
	m.log.InfoContext(ctx, "Job finished", "queue_id", item.ID, "status", status)
}

func (m *Manager) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Enqueue validates and stores a new job, returning its queue id.
func (m *Manager) Enqueue(ctx context.Context, nzbContents []byte, fileName, category string, priority database.QueuePriority, totalSegmentBytes int64) (*database.QueueItem, error) {
	jobName := strings.TrimSuffix(fileName, ".nzb")
	if jobName == "" {
		return nil, nzberrors.New(nzberrors.KindValidation, "empty job name")
	}

	item := &database.QueueItem{
		ID:                uuid.NewString(),
		FileName:          fileName,
		JobName:           jobName,
		Category:          category,
		NzbContents:       nzbContents,
		Priority:          priority,
		TotalSegmentBytes: totalSegmentBytes,
	}
	if err := m.db.Queue.Add(ctx, item); err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(map[string]any{
		"id": item.ID, "job_name": item.JobName, "category": item.Category,
		"priority": item.Priority, "total_segment_bytes": item.TotalSegmentBytes,
	}); err == nil {
		m.bus.Publish(events.TopicQueueAdded, string(payload))
	}

	return item, nil
}

// RemoveItems deletes queue rows. When the in-flight job is in the set its
// processing is cancelled and awaited first, so staged work is discarded
// before the row goes away.
func (m *Manager) RemoveItems(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	var wait chan struct{}
	if m.inFlight != nil {
		for _, id := range ids {
			if m.inFlight.item.ID == id {
				m.inFlight.cancel()
				wait = m.inFlight.done
				break
			}
		}
	}
	m.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.db.Queue.Remove(ctx, ids...); err != nil {
		return err
	}
	for _, id := range ids {
		m.bus.Publish(events.TopicQueueRemoved, id)
	}
	return nil
}

// InProgress returns the in-flight item and its progress percentage, or
// nil when the worker is idle.
func (m *Manager) InProgress() (*database.QueueItem, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight == nil {
		return nil, 0
	}
	return m.inFlight.item, m.inFlight.percent
}

func (m *Manager) publishStatus(itemID, status string) {
	m.bus.Publish(events.TopicQueueStatus, itemID+"|"+status)
}

// sanitizeFailMessage flattens an error chain into the single-line form
// history rows carry.
func sanitizeFailMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
