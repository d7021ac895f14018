package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hotelbooking/internal/models"
)

const syncTaskColumns = `id, task_type, booking_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func scanSyncTask(row rowScanner) (*models.SyncTask, error) {
	var (
		t                    models.SyncTask
		lastErr              sql.NullString
		created              string
		processed, nextRetry sql.NullString
	)
	if err := row.Scan(&t.ID, &t.TaskType, &t.BookingID, &t.Payload, &t.Status, &t.RetryCount, &lastErr, &created, &processed, &nextRetry); err != nil {
		return nil, err
	}
	if lastErr.Valid {
		msg := lastErr.String
		t.LastError = &msg
	}

	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse sync task %d created_at: %w", t.ID, err)
	}
	if t.ProcessedAt, err = parseNullTime(processed); err != nil {
		return nil, fmt.Errorf("parse sync task %d processed_at: %w", t.ID, err)
	}
	if t.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
		return nil, fmt.Errorf("parse sync task %d next_retry_at: %w", t.ID, err)
	}
	return &t, nil
}

func (db *DB) CreateSyncTask(ctx context.Context, task *models.SyncTask) error {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := time.Now().UTC().Truncate(time.Second)
	query := `INSERT INTO sync_queue (task_type, booking_id, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		task.TaskType,
		task.BookingID,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		formatTime(now),
		nullTime(task.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now

	return nil
}

func (db *DB) GetSyncTask(ctx context.Context, id int64) (*models.SyncTask, error) {
	t, err := scanSyncTask(db.QueryRowContext(ctx, `SELECT `+syncTaskColumns+` FROM sync_queue WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync task: %w", err)
	}
	return t, nil
}

// GetPendingSyncTasks returns tasks that are due now, oldest first.
func (db *DB) GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncTask, error) {
	query := `SELECT ` + syncTaskColumns + `
              FROM sync_queue
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	return db.listSyncTasks(ctx, query, formatTime(time.Now()), limit)
}

func (db *DB) GetFailedSyncTasks(ctx context.Context) ([]models.SyncTask, error) {
	query := `SELECT ` + syncTaskColumns + ` FROM sync_queue WHERE status = 'failed' ORDER BY created_at DESC`
	return db.listSyncTasks(ctx, query)
}

func (db *DB) listSyncTasks(ctx context.Context, query string, args ...interface{}) ([]models.SyncTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync tasks: %w", err)
	}
	return tasks, nil
}

func (db *DB) UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := formatTime(time.Now())

	var lastErr sql.NullString
	if errMsg != "" {
		lastErr = sql.NullString{String: errMsg, Valid: true}
	}

	switch status {
	case models.TaskStatusRetry:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, lastErr, nullTime(nextRetryAt), id}
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, nullTime(nextRetryAt), now, id}
	default:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, nullTime(nextRetryAt), id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update sync task status: %w", err)
	}
	return nil
}
