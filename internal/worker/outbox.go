package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hotelbooking/internal/config"
	"hotelbooking/internal/database"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/metrics"
	"hotelbooking/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LedgerWriter mirrors bookings into the front-desk ledger.
type LedgerWriter interface {
	UpsertBooking(ctx context.Context, booking *models.Booking) error
	UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error
}

// Notifier delivers staff notifications.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// OutboxWorker consumes sync_queue tasks written after booking transitions commit.
type OutboxWorker struct {
	db            *database.DB
	ledger        LedgerWriter
	notifier      Notifier
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.SyncTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

// NewOutboxWorker builds a worker from the outbox config. Ledger and redis are optional.
func NewOutboxWorker(db *database.DB, ledger LedgerWriter, notifier Notifier, redisClient *redis.Client, cfg config.OutboxConfig, logger *zerolog.Logger) *OutboxWorker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &OutboxWorker{
		db:            db,
		ledger:        ledger,
		notifier:      notifier,
		redis:         redisClient,
		retryPolicy:   newRetryPolicy(cfg),
		queue:         make(chan models.SyncTask, 128),
		redisQueueKey: "outbox:queue",
		deadLetterKey: "outbox:deadletter",
		pollInterval:  cfg.PollInterval,
		batchSize:     cfg.BatchSize,
		logger:        logger,
	}
}

// EnqueueTask persists the task and schedules it via redis or the in-memory queue.
// The row is the source of truth; the queues only shorten the wait.
func (w *OutboxWorker) EnqueueTask(ctx context.Context, taskType string, bookingID int64, payload interface{}) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if bookingID == 0 {
		return errors.New("booking id is required")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	task := models.SyncTask{
		TaskType:  taskType,
		BookingID: bookingID,
		Payload:   string(payloadBytes),
		Status:    models.TaskStatusPending,
	}
	if err := w.db.CreateSyncTask(ctx, &task); err != nil {
		return fmt.Errorf("persist sync task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis push failed, falling back to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("memory queue full, task left to polling")
	}
	return nil
}

// Start runs the consume loop until ctx is done.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("outbox worker started")
	defer w.logger.Info().Msg("outbox worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.db.GetPendingSyncTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending tasks")
			w.sleep(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.sleep(ctx)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *OutboxWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

func (w *OutboxWorker) tryLocalQueue() (models.SyncTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.SyncTask{}, false
	}
}

func (w *OutboxWorker) tryRedis(ctx context.Context) (models.SyncTask, bool) {
	if w.redis == nil {
		return models.SyncTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
			return models.SyncTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP")
		return models.SyncTask{}, false
	}
	if len(res) != 2 {
		return models.SyncTask{}, false
	}
	var task models.SyncTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.SyncTask{}, false
	}
	return task, true
}

func (w *OutboxWorker) processTask(ctx context.Context, task *models.SyncTask) {
	// Queue copies may be stale if the poller already handled the row.
	current, err := w.db.GetSyncTask(ctx, task.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("load task")
		return
	}
	if current.Status == models.TaskStatusCompleted || current.Status == models.TaskStatusFailed {
		return
	}
	task = current

	if err := w.handle(ctx, task); err != nil {
		var perm permanentError
		if errors.As(err, &perm) {
			w.failTask(ctx, task, err)
			return
		}
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncOutboxTask(task.TaskType, "completed")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
	}
}

// permanentError marks a task that no retry can fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func (w *OutboxWorker) handle(ctx context.Context, task *models.SyncTask) error {
	switch task.TaskType {
	case models.TaskLedgerUpsert, models.TaskLedgerStatus:
		var booking models.Booking
		if err := json.Unmarshal([]byte(task.Payload), &booking); err != nil {
			return permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		if booking.ID == 0 {
			return permanentError{errors.New("booking payload missing")}
		}
		if w.ledger == nil {
			return nil
		}
		if task.TaskType == models.TaskLedgerUpsert {
			return w.ledger.UpsertBooking(ctx, &booking)
		}
		err := w.ledger.UpdateBookingStatus(ctx, booking.ID, booking.Status.String())
		if errors.Is(err, domain.ErrLedgerRowMissing) {
			return w.ledger.UpsertBooking(ctx, &booking)
		}
		return err
	case models.TaskNotifyStaff:
		var n models.Notification
		if err := json.Unmarshal([]byte(task.Payload), &n); err != nil {
			return permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		if w.notifier == nil {
			return nil
		}
		return w.notifier.Notify(ctx, n)
	default:
		return permanentError{fmt.Errorf("unknown task type: %s", task.TaskType)}
	}
}

func (w *OutboxWorker) retryOrFail(ctx context.Context, task *models.SyncTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	metrics.IncOutboxTask(task.TaskType, "retry")
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Str("type", task.TaskType).Int("attempt", attempt).
		Time("next_retry_at", nextTime).Msg("task failed, scheduled retry")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *OutboxWorker) failTask(ctx context.Context, task *models.SyncTask, cause error) {
	metrics.IncOutboxTask(task.TaskType, "failed")
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("type", task.TaskType).Msg("task moved to dead letters")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *OutboxWorker) pushRedis(ctx context.Context, task models.SyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *OutboxWorker) pushDeadLetter(ctx context.Context, task *models.SyncTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("dead letter push")
	}
}
