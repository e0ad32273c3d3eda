package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// CreateTask enqueues a background processing task for the given media item
// and returns it with status pending.
func (s *Store) CreateTask(mediaID string, maxAttempts int) (Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := time.Now().UTC()
	t := Task{
		ID:          uuid.New().String(),
		MediaID:     mediaID,
		Status:      TaskPending,
		MaxAttempts: maxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, media_id, status, detail, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, 'pending', '', 0, ?, ?, ?, ?)`,
		t.ID, t.MediaID, t.MaxAttempts,
		now.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return Task{}, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

// ClaimNextTask atomically claims the oldest runnable pending task, moving it
// to processing. The guard on status='pending' inside one transaction ensures
// no two workers ever hold the same task. Returns nil when the queue is empty.
func (s *Store) ClaimNextTask() (*Task, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var t Task
	var detail string
	var runAfter, createdAt, updatedAt string
	err = tx.QueryRow(`
		SELECT id, media_id, status, detail, attempts, max_attempts, run_after, created_at, updated_at
		FROM tasks
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now,
	).Scan(&t.ID, &t.MediaID, &t.Status, &detail, &t.Attempts, &t.MaxAttempts, &runAfter, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE tasks SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, now, t.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		// Someone else won the race between select and update.
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = TaskProcessing
	t.Detail = detail
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	t.ClaimedAt, _ = time.Parse(time.RFC3339, now)
	t.UpdatedAt = t.ClaimedAt
	return &t, nil
}

// SetTaskStatus applies a status transition under at-least-once delivery rules:
// repeating a terminal status is a no-op, and any transition away from a
// terminal status is logged and ignored so duplicate or late deliveries can
// never regress a finished task. Unknown statuses are rejected outright.
func (s *Store) SetTaskStatus(id string, status TaskStatus, detail string) error {
	if !validTaskStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback()

	var current TaskStatus
	err = tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if current.Terminal() {
		if status == current {
			return nil // idempotent re-delivery
		}
		slog.Warn("ignoring stale task transition", "task_id", id, "from", current, "to", status)
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		UPDATE tasks SET status = ?, detail = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ?`, string(status), detail, now, id); err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}

	return tx.Commit()
}

// FailTask records a processing failure. The task is requeued with exponential
// backoff until it runs out of attempts, then forced to failed. The detail of
// the last error is kept either way.
func (s *Store) FailTask(id string, detail string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var status TaskStatus
	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT status, attempts, max_attempts FROM tasks WHERE id = ?`, id).
		Scan(&status, &attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		slog.Warn("ignoring failure for terminal task", "task_id", id, "status", status)
		return nil
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`
			UPDATE tasks SET status = 'failed', attempts = ?, detail = ?, claimed_at = NULL, updated_at = ?
			WHERE id = ?`, attempts, detail, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`
			UPDATE tasks SET status = 'pending', attempts = ?, detail = ?, run_after = ?, claimed_at = NULL, updated_at = ?
			WHERE id = ?`, attempts, detail, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(id string) (Task, error) {
	var t Task
	var claimedAt sql.NullString
	var runAfter, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, media_id, status, detail, attempts, max_attempts, run_after, claimed_at, created_at, updated_at
		FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.MediaID, &t.Status, &t.Detail, &t.Attempts, &t.MaxAttempts, &runAfter, &claimedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	if !validTaskStatus(t.Status) {
		return Task{}, fmt.Errorf("%w: task %s has status %q", ErrInvalidStatus, id, t.Status)
	}
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Task{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if claimedAt.Valid {
		if t.ClaimedAt, err = time.Parse(time.RFC3339, claimedAt.String); err != nil {
			return Task{}, fmt.Errorf("parsing claimed_at: %w", err)
		}
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

// LatestTaskForMedia returns the most recently created task targeting mediaID.
func (s *Store) LatestTaskForMedia(mediaID string) (Task, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM tasks WHERE media_id = ? ORDER BY created_at DESC LIMIT 1`, mediaID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return s.GetTask(id)
}

// RequeueStuckTasks is the liveness sweep: tasks sitting in processing longer
// than timeout (a crashed or hung worker) go back to pending with attempts
// incremented, or to failed with a retry-limit detail once attempts are
// exhausted. Returns how many tasks were requeued or failed.
func (s *Store) RequeueStuckTasks(timeout time.Duration) (requeued, failed int, err error) {
	cutoff := time.Now().UTC().Add(-timeout).Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'failed', attempts = attempts + 1,
			detail = 'retry limit exceeded', claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?
			AND attempts + 1 >= max_attempts`, now, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failing stuck tasks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		failed = int(n)
	}

	res, err = s.db.Exec(`
		UPDATE tasks SET status = 'pending', attempts = attempts + 1,
			claimed_at = NULL, run_after = ?, updated_at = ?
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?`,
		now, now, cutoff)
	if err != nil {
		return 0, failed, fmt.Errorf("requeuing stuck tasks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		requeued = int(n)
	}

	return requeued, failed, nil
}
