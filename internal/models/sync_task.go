package models

import "time"

const (
	TaskStatusPending   = "pending"
	TaskStatusRetry     = "retry"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Outbox task types. Ledger tasks carry a Booking, notify_staff carries a Notification.
const (
	TaskLedgerUpsert = "ledger_upsert"
	TaskLedgerStatus = "ledger_status"
	TaskNotifyStaff  = "notify_staff"
)

// SyncTask is an outbox row consumed by the background worker.
type SyncTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	BookingID   int64      `json:"booking_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
