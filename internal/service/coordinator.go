package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lifecycle "hotelbooking/internal/booking"
	"hotelbooking/internal/database"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/events"
	"hotelbooking/internal/metrics"
	"hotelbooking/internal/models"

	"github.com/rs/zerolog"
)

// Actor is the authenticated caller as supplied by the identity layer.
type Actor struct {
	ID    int64
	Staff bool
}

func (a Actor) canSee(b *models.Booking) bool {
	return a.Staff || (a.ID > 0 && a.ID == b.GuestID)
}

type ReserveRequest struct {
	RoomID   int64
	CheckIn  time.Time
	CheckOut time.Time
	Note     string
}

// Coordinator is the only writer of booking and payment state.
type Coordinator struct {
	repo           domain.Repository
	gateway        domain.PaymentGateway
	eventBus       domain.EventPublisher
	outbox         domain.OutboxWriter
	maxAdvanceDays int
	holdTTL        time.Duration
	minPayment     int64
	now            func() time.Time
	logger         *zerolog.Logger
}

func NewCoordinator(
	repo domain.Repository,
	gateway domain.PaymentGateway,
	eventBus domain.EventPublisher,
	outbox domain.OutboxWriter,
	maxAdvanceDays int,
	holdTTL time.Duration,
	logger *zerolog.Logger,
) *Coordinator {
	if maxAdvanceDays <= 0 {
		maxAdvanceDays = 365
	}
	if holdTTL <= 0 {
		holdTTL = 30 * time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Coordinator{
		repo:           repo,
		gateway:        gateway,
		eventBus:       eventBus,
		outbox:         outbox,
		maxAdvanceDays: maxAdvanceDays,
		holdTTL:        holdTTL,
		now:            time.Now,
		logger:         logger,
	}
}

// WithMinPaymentAmount refuses payment attempts for expected totals below amount.
func (c *Coordinator) WithMinPaymentAmount(amount int64) *Coordinator {
	c.minPayment = amount
	return c
}

func validateStay(now, checkIn, checkOut time.Time, maxAdvanceDays int) error {
	if checkIn.IsZero() {
		return domain.ValidationError{Field: "check_in", Msg: "is required"}
	}
	if checkOut.IsZero() {
		return domain.ValidationError{Field: "check_out", Msg: "is required"}
	}
	if checkIn.Before(now) {
		return domain.ValidationError{Field: "check_in", Msg: "must not be in the past"}
	}
	if !checkOut.After(checkIn) {
		return domain.ValidationError{Field: "check_out", Msg: "must be after check-in"}
	}
	if models.NightsBetween(checkIn, checkOut) < 1 {
		return domain.ValidationError{Field: "check_out", Msg: "stay must cover at least one night"}
	}
	if checkIn.After(now.AddDate(0, 0, maxAdvanceDays)) {
		return domain.ValidationError{Field: "check_in", Msg: fmt.Sprintf("cannot be more than %d days ahead", maxAdvanceDays)}
	}
	return nil
}

// Reserve creates a Pending booking at the room's current rate. The overlap check and
// the insert are one atomic store operation.
func (c *Coordinator) Reserve(ctx context.Context, actor Actor, req ReserveRequest) (*models.Booking, error) {
	b, err := c.reserve(ctx, actor, req)
	metrics.IncReservation(resultLabel(err))
	return b, err
}

func (c *Coordinator) reserve(ctx context.Context, actor Actor, req ReserveRequest) (*models.Booking, error) {
	if actor.ID <= 0 {
		return nil, domain.ValidationError{Field: "guest_id", Msg: "is required"}
	}
	if req.RoomID <= 0 {
		return nil, domain.ValidationError{Field: "room_id", Msg: "is required"}
	}
	// the store keeps whole seconds; the total is computed from what it keeps
	checkIn := req.CheckIn.UTC().Truncate(time.Second)
	checkOut := req.CheckOut.UTC().Truncate(time.Second)
	if err := validateStay(c.now(), checkIn, checkOut, c.maxAdvanceDays); err != nil {
		return nil, err
	}

	room, err := c.repo.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, c.storeErr(err, "room")
	}
	if !room.IsListed {
		return nil, domain.ValidationError{Field: "room_id", Msg: "room is not open for booking"}
	}

	b := &models.Booking{
		RoomID:      room.ID,
		GuestID:     actor.ID,
		CheckIn:     checkIn,
		CheckOut:    checkOut,
		NightlyRate: room.NightlyRate,
		Status:      models.BookingPending,
		Note:        strings.TrimSpace(req.Note),
	}
	b.TotalPrice = b.ExpectedTotal()

	if err := c.repo.CreateBookingWithLock(ctx, b); err != nil {
		return nil, c.storeErr(err, "room")
	}

	c.logger.Info().
		Int64("booking_id", b.ID).
		Int64("room_id", b.RoomID).
		Int64("guest_id", b.GuestID).
		Int64("total", b.TotalPrice).
		Msg("booking reserved")

	c.publishEvent(events.EventBookingReserved, b, "", 0, "")
	c.enqueueLedger(ctx, models.TaskLedgerUpsert, b)
	return b, nil
}

func (c *Coordinator) GetBooking(ctx context.Context, actor Actor, id int64) (*models.Booking, error) {
	b, err := c.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, c.storeErr(err, "booking")
	}
	if !actor.canSee(b) {
		return nil, domain.NotFoundError{Resource: "booking"}
	}
	return b, nil
}

func (c *Coordinator) ListGuestBookings(ctx context.Context, actor Actor) ([]*models.Booking, error) {
	if actor.ID <= 0 {
		return nil, domain.ValidationError{Field: "guest_id", Msg: "is required"}
	}
	list, err := c.repo.GetGuestBookings(ctx, actor.ID)
	if err != nil {
		return nil, c.storeErr(err, "booking")
	}
	return list, nil
}

// ListPayments returns every attempt of a booking the actor may see.
func (c *Coordinator) ListPayments(ctx context.Context, actor Actor, bookingID int64) ([]*models.Payment, error) {
	if _, err := c.GetBooking(ctx, actor, bookingID); err != nil {
		return nil, err
	}
	list, err := c.repo.GetPaymentsByBooking(ctx, bookingID)
	if err != nil {
		return nil, c.storeErr(err, "payment")
	}
	return list, nil
}

// Arrivals lists confirmed bookings due to check in within [from, to).
func (c *Coordinator) Arrivals(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	if !to.After(from) {
		return nil, domain.ValidationError{Field: "to", Msg: "must be after from"}
	}
	list, err := c.repo.GetArrivals(ctx, from, to)
	if err != nil {
		return nil, c.storeErr(err, "booking")
	}
	return list, nil
}

// Departures lists checked-in bookings due to check out within [from, to).
func (c *Coordinator) Departures(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	if !to.After(from) {
		return nil, domain.ValidationError{Field: "to", Msg: "must be after from"}
	}
	list, err := c.repo.GetDepartures(ctx, from, to)
	if err != nil {
		return nil, c.storeErr(err, "booking")
	}
	return list, nil
}

// CancelBooking cancels a Pending or Confirmed booking before its check-in instant.
// Pending payment attempts of the booking are cancelled with it.
func (c *Coordinator) CancelBooking(ctx context.Context, actor Actor, id int64) (*models.Booking, error) {
	b, err := c.GetBooking(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	updated, err := c.transition(ctx, b, lifecycle.Event{Trigger: lifecycle.Cancel, At: c.now()})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Int64("booking_id", updated.ID).
		Int64("actor_id", actor.ID).
		Bool("staff", actor.Staff).
		Str("previous_status", b.Status.String()).
		Msg("booking cancelled")

	c.publishEvent(events.EventBookingCancelled, updated, b.Status, 0, "cancelled by request")
	c.enqueueLedger(ctx, models.TaskLedgerStatus, updated)
	if b.Status == models.BookingConfirmed {
		c.notify(ctx, models.Notification{
			Kind:      models.NoticeBookingCancelled,
			BookingID: updated.ID,
			RoomID:    updated.RoomID,
			PaymentID: paymentIDOf(updated),
			Text: fmt.Sprintf("Paid booking #%d for room %d (%s - %s) was cancelled.",
				updated.ID, updated.RoomID, formatDay(updated.CheckIn), formatDay(updated.CheckOut)),
		})
	}
	return updated, nil
}

// CheckIn records the guest's arrival on a Confirmed booking.
func (c *Coordinator) CheckIn(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := c.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, c.storeErr(err, "booking")
	}

	updated, err := c.transition(ctx, b, lifecycle.Event{Trigger: lifecycle.GuestArrived, At: c.now()})
	if err != nil {
		return nil, err
	}

	c.logger.Info().Int64("booking_id", updated.ID).Int64("room_id", updated.RoomID).Msg("guest checked in")
	c.publishEvent(events.EventBookingCheckedIn, updated, b.Status, 0, "")
	c.enqueueLedger(ctx, models.TaskLedgerStatus, updated)
	c.notify(ctx, models.Notification{
		Kind:      models.NoticeGuestCheckedIn,
		BookingID: updated.ID,
		RoomID:    updated.RoomID,
		Text:      fmt.Sprintf("Guest of booking #%d checked in to room %d.", updated.ID, updated.RoomID),
	})
	return updated, nil
}

// CheckOut records the guest's departure and completes the booking.
func (c *Coordinator) CheckOut(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := c.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, c.storeErr(err, "booking")
	}

	updated, err := c.transition(ctx, b, lifecycle.Event{Trigger: lifecycle.GuestDeparted, At: c.now()})
	if err != nil {
		return nil, err
	}

	c.logger.Info().Int64("booking_id", updated.ID).Int64("room_id", updated.RoomID).Msg("guest checked out")
	c.publishEvent(events.EventBookingCompleted, updated, b.Status, 0, "")
	c.enqueueLedger(ctx, models.TaskLedgerStatus, updated)
	c.notify(ctx, models.Notification{
		Kind:      models.NoticeGuestCheckedOut,
		BookingID: updated.ID,
		RoomID:    updated.RoomID,
		Text:      fmt.Sprintf("Guest of booking #%d checked out of room %d.", updated.ID, updated.RoomID),
	})
	return updated, nil
}

// ExpireStaleHolds cancels Pending bookings older than the hold TTL that saw no
// payment attempt within it. It returns the number of bookings cancelled.
func (c *Coordinator) ExpireStaleHolds(ctx context.Context) (int, error) {
	now := c.now()
	stale, err := c.repo.GetStalePendingBookings(ctx, now.Add(-c.holdTTL))
	if err != nil {
		return 0, c.storeErr(err, "booking")
	}

	expired := 0
	for _, b := range stale {
		updated, err := c.transition(ctx, b, lifecycle.Event{Trigger: lifecycle.HoldExpired, At: now})
		if err != nil {
			// The booking moved on since it was listed.
			if domain.IsConflict(err) || domain.IsState(err) {
				continue
			}
			return expired, err
		}
		expired++
		c.logger.Info().Int64("booking_id", b.ID).Dur("hold_ttl", c.holdTTL).Msg("pending hold expired")
		c.publishEvent(events.EventBookingCancelled, updated, b.Status, 0, "hold expired")
		c.enqueueLedger(ctx, models.TaskLedgerStatus, updated)
	}

	metrics.AddHoldsExpired(expired)
	return expired, nil
}

// transition applies ev, persists it conditionally on the booking's status and version,
// then reloads the booking.
func (c *Coordinator) transition(ctx context.Context, b *models.Booking, ev lifecycle.Event) (*models.Booking, error) {
	next, err := lifecycle.Apply(b, ev)
	if err != nil {
		return nil, err
	}
	if err := c.repo.TransitionBooking(ctx, lifecycle.Transition(b, next)); err != nil {
		return nil, c.storeErr(err, "booking")
	}

	reloaded, err := c.repo.GetBooking(ctx, b.ID)
	if err != nil {
		c.logger.Warn().Err(err).Int64("booking_id", b.ID).Msg("reload after transition failed")
		next.Version = b.Version + 1
		return next, nil
	}
	return reloaded, nil
}

func (c *Coordinator) storeErr(err error, resource string) error {
	return storeErr(c.logger, err, resource)
}

// storeErr maps persistence errors onto the domain taxonomy. Anything unexpected is
// logged and hidden behind InternalError.
func storeErr(logger *zerolog.Logger, err error, resource string) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return domain.NotFoundError{Resource: resource, Err: err}
	case errors.Is(err, database.ErrRoomUnavailable):
		return domain.ConflictError{Resource: "room", Msg: "room is not available for the requested dates", Err: err}
	case errors.Is(err, database.ErrAlreadyPaid):
		return domain.ConflictError{Resource: "payment", Msg: "booking is already paid", Err: err}
	case errors.Is(err, database.ErrConcurrentModification):
		return domain.ConflictError{Resource: "booking", Msg: "booking was modified concurrently, retry", Err: err}
	case errors.Is(err, database.ErrAlreadyResolved):
		return domain.ConflictError{Resource: "payment", Msg: "payment is already resolved", Err: err}
	case errors.Is(err, database.ErrBookingNotPending):
		return domain.ConflictError{Resource: "booking", Msg: "booking is no longer pending", Err: err}
	case errors.Is(err, database.ErrDuplicateRoom):
		return domain.ConflictError{Resource: "room", Msg: "room number already exists", Err: err}
	}

	var nf domain.NotFoundError
	var ve domain.ValidationError
	if errors.As(err, &nf) || errors.As(err, &ve) {
		return err
	}

	logger.Error().Err(err).Str("resource", resource).Msg("storage error")
	return domain.InternalError{Msg: "internal error", Err: err}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsValidation(err):
		return "invalid"
	case domain.IsNotFound(err):
		return "not_found"
	case domain.IsConflict(err):
		return "conflict"
	case domain.IsAmountMismatch(err):
		return "amount_mismatch"
	case domain.IsState(err):
		return "state"
	default:
		return "error"
	}
}

func (c *Coordinator) publishEvent(eventType string, b *models.Booking, previous models.BookingStatus, paymentID int64, reason string) {
	if c.eventBus == nil {
		return
	}
	if paymentID == 0 {
		paymentID = paymentIDOf(b)
	}

	payload := events.BookingEventPayload{
		BookingID:      b.ID,
		RoomID:         b.RoomID,
		GuestID:        b.GuestID,
		PaymentID:      paymentID,
		Status:         b.Status.String(),
		PreviousStatus: previous.String(),
		CheckIn:        b.CheckIn,
		CheckOut:       b.CheckOut,
		Amount:         b.TotalPrice,
		Reason:         reason,
		At:             c.now().UTC(),
	}

	if err := c.eventBus.PublishJSON(eventType, payload); err != nil {
		c.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", b.ID).Msg("publish event error")
	}
}

func (c *Coordinator) enqueueLedger(ctx context.Context, taskType string, b *models.Booking) {
	if c.outbox == nil {
		return
	}
	if err := c.outbox.EnqueueTask(ctx, taskType, b.ID, b); err != nil {
		c.logger.Error().Err(err).Int64("booking_id", b.ID).Str("task", taskType).Msg("outbox enqueue error")
	}
}

func (c *Coordinator) notify(ctx context.Context, n models.Notification) {
	if c.outbox == nil {
		return
	}
	if err := c.outbox.EnqueueTask(ctx, models.TaskNotifyStaff, n.BookingID, n); err != nil {
		c.logger.Error().Err(err).Int64("booking_id", n.BookingID).Str("kind", n.Kind).Msg("notification enqueue error")
	}
}

func paymentIDOf(b *models.Booking) int64 {
	if b.PaymentID == nil {
		return 0
	}
	return *b.PaymentID
}

func formatDay(t time.Time) string {
	return t.Format("2006-01-02")
}
