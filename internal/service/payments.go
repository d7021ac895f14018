package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	lifecycle "hotelbooking/internal/booking"
	"hotelbooking/internal/database"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/events"
	"hotelbooking/internal/metrics"
	"hotelbooking/internal/models"
)

// settleAttempts bounds how often a callback is re-read after losing a race.
const settleAttempts = 3

type PaymentRedirect struct {
	PaymentID int64  `json:"payment_id"`
	BookingID int64  `json:"booking_id"`
	Amount    int64  `json:"amount"`
	URL       string `json:"payment_url"`
}

// CallbackResult is the outcome a gateway callback resolved to. Replay is set when the
// attempt had already been resolved by an earlier delivery.
type CallbackResult struct {
	BookingID int64
	PaymentID int64
	Success   bool
	Replay    bool
}

// RequestPayment opens a new payment attempt for a Pending booking and returns the signed
// gateway redirect. The claimed amount must equal the booking's expected total.
func (c *Coordinator) RequestPayment(ctx context.Context, actor Actor, bookingID, claimedAmount int64, clientIP string) (*PaymentRedirect, error) {
	redirect, err := c.requestPayment(ctx, actor, bookingID, claimedAmount, clientIP)
	metrics.IncPaymentRequest(resultLabel(err))
	return redirect, err
}

func (c *Coordinator) requestPayment(ctx context.Context, actor Actor, bookingID, claimedAmount int64, clientIP string) (*PaymentRedirect, error) {
	if bookingID <= 0 {
		return nil, domain.ValidationError{Field: "booking_id", Msg: "is required"}
	}

	b, err := c.GetBooking(ctx, actor, bookingID)
	if err != nil {
		return nil, err
	}

	paid, err := c.repo.HasCompletedPayment(ctx, b.ID)
	if err != nil {
		return nil, c.storeErr(err, "payment")
	}
	if paid {
		return nil, domain.ConflictError{Resource: "payment", Msg: "booking is already paid"}
	}

	expected := b.ExpectedTotal()
	if claimedAmount != expected {
		c.logger.Warn().
			Int64("booking_id", b.ID).
			Int64("expected", expected).
			Int64("claimed", claimedAmount).
			Msg("payment request amount mismatch")
		return nil, domain.AmountMismatchError{Expected: expected, Claimed: claimedAmount}
	}
	if expected < c.minPayment {
		return nil, domain.ValidationError{Field: "amount", Msg: fmt.Sprintf("must be at least %d", c.minPayment)}
	}

	if b.Status != models.BookingPending {
		return nil, domain.StateError{From: b.Status.String(), Event: "pay for", Msg: "only pending bookings accept payment"}
	}

	p := &models.Payment{
		BookingID: b.ID,
		Amount:    expected,
		Method:    models.PaymentMethodVNPay,
		Status:    models.PaymentPending,
	}
	if err := c.repo.CreatePayment(ctx, p); err != nil {
		return nil, c.storeErr(err, "booking")
	}

	payURL, err := c.gateway.BuildPaymentURL(domain.PaymentOrder{
		BookingID: b.ID,
		PaymentID: p.ID,
		Amount:    p.Amount,
		ClientIP:  clientIP,
		CreatedAt: c.now(),
	})
	if err != nil {
		c.logger.Error().Err(err).Int64("booking_id", b.ID).Int64("payment_id", p.ID).Msg("build payment url failed")
		return nil, domain.InternalError{Msg: "internal error", Err: err}
	}

	c.logger.Info().
		Int64("booking_id", b.ID).
		Int64("payment_id", p.ID).
		Int64("amount", p.Amount).
		Msg("payment attempt created")
	c.publishEvent(events.EventPaymentRequested, b, "", p.ID, "")

	return &PaymentRedirect{PaymentID: p.ID, BookingID: b.ID, Amount: p.Amount, URL: payURL}, nil
}

// HandleCallback reconciles a gateway callback against the stored attempt and booking.
// A callback that fails signature verification never succeeds: the attempt it names is
// failed and its booking cancelled. A callback for an attempt that is already resolved
// returns the stored outcome without touching state.
func (c *Coordinator) HandleCallback(ctx context.Context, params url.Values) (*CallbackResult, error) {
	cb, err := c.gateway.ParseCallback(params)
	if err != nil {
		metrics.IncCallback("malformed")
		c.logger.Warn().Err(err).Msg("malformed gateway callback")
		return nil, err
	}
	if !cb.Verified {
		metrics.IncCallback("rejected")
		return nil, c.rejectCallback(ctx, cb)
	}

	for i := 0; i < settleAttempts; i++ {
		res, err := c.settle(ctx, cb)
		if isSettleRace(err) {
			c.logger.Debug().Err(err).Int64("payment_id", cb.PaymentID).Msg("callback raced, reloading")
			continue
		}
		if err != nil {
			return nil, c.callbackErr(err)
		}
		return res, nil
	}

	metrics.IncCallback("contended")
	return nil, domain.ConflictError{Resource: "payment", Msg: "payment is being processed concurrently"}
}

func isSettleRace(err error) bool {
	return errors.Is(err, database.ErrAlreadyResolved) ||
		errors.Is(err, database.ErrConcurrentModification) ||
		errors.Is(err, database.ErrAlreadyPaid)
}

func (c *Coordinator) callbackErr(err error) error {
	switch {
	case domain.IsAmountMismatch(err), domain.IsState(err), domain.IsValidation(err):
		return err
	}
	return c.storeErr(err, "payment")
}

func (c *Coordinator) settle(ctx context.Context, cb *domain.GatewayCallback) (*CallbackResult, error) {
	p, err := c.repo.GetPayment(ctx, cb.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.BookingID != cb.BookingID {
		metrics.IncCallback("invalid")
		return nil, domain.ValidationError{Field: "vnp_OrderInfo", Msg: "booking does not match payment"}
	}

	b, err := c.repo.GetBooking(ctx, p.BookingID)
	if err != nil {
		return nil, err
	}

	if p.IsResolved() {
		if cb.Success && p.Status != models.PaymentCompleted {
			if p.RefundRequired || !sameDelivery(p, cb) || amountMatches(cb, p, b) {
				return nil, c.refundRequired(ctx, cb, p, b)
			}
			// the delivery that failed this attempt over its amount
			metrics.IncCallback("replay")
			return nil, domain.AmountMismatchError{Expected: b.ExpectedTotal(), Claimed: cb.Amount}
		}
		metrics.IncCallback("replay")
		c.logger.Info().
			Int64("payment_id", p.ID).
			Str("status", string(p.Status)).
			Msg("callback replay, attempt already resolved")
		return &CallbackResult{
			BookingID: p.BookingID,
			PaymentID: p.ID,
			Success:   p.Status == models.PaymentCompleted,
			Replay:    true,
		}, nil
	}

	if !cb.Success {
		if err := c.failAttempt(ctx, p, b, cb, "gateway declined with code "+cb.ResponseCode); err != nil {
			return nil, err
		}
		metrics.IncCallback("failed")
		return &CallbackResult{BookingID: b.ID, PaymentID: p.ID}, nil
	}

	if !amountMatches(cb, p, b) {
		expected := b.ExpectedTotal()
		reason := fmt.Sprintf("gateway amount %d, expected %d", cb.Amount, expected)
		if err := c.failAttempt(ctx, p, b, cb, reason); err != nil {
			return nil, err
		}
		metrics.IncCallback("amount_mismatch")
		return nil, domain.AmountMismatchError{Expected: expected, Claimed: cb.Amount}
	}

	if b.Status != models.BookingPending {
		// A pending attempt outlived its booking's Pending state; money was taken for a
		// booking that can no longer be confirmed.
		return nil, c.refundRequired(ctx, cb, p, b)
	}

	now := c.now()
	next, err := lifecycle.Apply(b, lifecycle.Event{
		Trigger:   lifecycle.PaymentSucceeded,
		PaymentID: p.ID,
		Amount:    cb.Amount,
		At:        now,
	})
	if err != nil {
		return nil, err
	}
	t := lifecycle.Transition(b, next)

	err = c.repo.ResolvePayment(ctx, domain.PaymentResolution{
		PaymentID:             p.ID,
		Status:                models.PaymentCompleted,
		GatewayTxnNo:          cb.TransactionNo,
		ResponseCode:          cb.ResponseCode,
		ResolvedAt:            now,
		Booking:               &t,
		CancelSiblingAttempts: true,
	})
	if err != nil {
		return nil, err
	}

	metrics.IncCallback("confirmed")
	c.logger.Info().
		Int64("booking_id", b.ID).
		Int64("payment_id", p.ID).
		Str("txn_no", cb.TransactionNo).
		Msg("payment completed, booking confirmed")

	next.Version = b.Version + 1
	c.publishEvent(events.EventBookingConfirmed, next, b.Status, p.ID, "")
	c.enqueueLedger(ctx, models.TaskLedgerStatus, next)
	c.notify(ctx, models.Notification{
		Kind:      models.NoticeBookingConfirmed,
		BookingID: b.ID,
		RoomID:    b.RoomID,
		PaymentID: p.ID,
		Text: fmt.Sprintf("Booking #%d for room %d (%s - %s) is paid: %d VND.",
			b.ID, b.RoomID, formatDay(b.CheckIn), formatDay(b.CheckOut), p.Amount),
	})

	return &CallbackResult{BookingID: b.ID, PaymentID: p.ID, Success: true}, nil
}

func amountMatches(cb *domain.GatewayCallback, p *models.Payment, b *models.Booking) bool {
	return cb.Amount == p.Amount && cb.Amount == b.ExpectedTotal()
}

// sameDelivery reports whether cb is the gateway transaction already stored on p.
func sameDelivery(p *models.Payment, cb *domain.GatewayCallback) bool {
	return p.GatewayTxnNo != "" && p.GatewayTxnNo == cb.TransactionNo && p.ResponseCode == cb.ResponseCode
}

// failAttempt marks a pending attempt Failed and, if its booking still waits for payment,
// cancels the booking in the same transaction.
func (c *Coordinator) failAttempt(ctx context.Context, p *models.Payment, b *models.Booking, cb *domain.GatewayCallback, reason string) error {
	now := c.now()
	res := domain.PaymentResolution{
		PaymentID:  p.ID,
		Status:     models.PaymentFailed,
		ResolvedAt: now,
	}
	if cb.Verified {
		res.GatewayTxnNo = cb.TransactionNo
		res.ResponseCode = cb.ResponseCode
	}

	var cancelled *models.Booking
	if b.Status == models.BookingPending {
		next, err := lifecycle.Apply(b, lifecycle.Event{Trigger: lifecycle.PaymentFailed, PaymentID: p.ID, At: now})
		if err != nil {
			return err
		}
		t := lifecycle.Transition(b, next)
		res.Booking = &t
		cancelled = next
	}

	if err := c.repo.ResolvePayment(ctx, res); err != nil {
		return err
	}

	c.logger.Warn().
		Int64("booking_id", b.ID).
		Int64("payment_id", p.ID).
		Str("reason", reason).
		Bool("booking_cancelled", cancelled != nil).
		Msg("payment attempt failed")

	c.publishEvent(events.EventPaymentFailed, b, "", p.ID, reason)
	if cancelled == nil {
		return nil
	}

	cancelled.Version = b.Version + 1
	c.publishEvent(events.EventBookingCancelled, cancelled, b.Status, p.ID, reason)
	c.enqueueLedger(ctx, models.TaskLedgerStatus, cancelled)
	c.notify(ctx, models.Notification{
		Kind:      models.NoticePaymentFailed,
		BookingID: b.ID,
		RoomID:    b.RoomID,
		PaymentID: p.ID,
		Text:      fmt.Sprintf("Payment %d for booking #%d failed (%s). The booking was cancelled.", p.ID, b.ID, reason),
	})
	return nil
}

// rejectCallback handles a callback whose signature did not verify. The attempt it names
// is failed only while it is still pending. The returned error is always AuthenticityError.
func (c *Coordinator) rejectCallback(ctx context.Context, cb *domain.GatewayCallback) error {
	authErr := domain.AuthenticityError{Reason: "gateway signature mismatch"}

	c.logger.Warn().
		Int64("payment_id", cb.PaymentID).
		Int64("booking_id", cb.BookingID).
		Msg("gateway callback rejected")

	if c.eventBus != nil {
		payload := events.BookingEventPayload{
			BookingID: cb.BookingID,
			PaymentID: cb.PaymentID,
			Reason:    authErr.Reason,
			At:        c.now().UTC(),
		}
		if err := c.eventBus.PublishJSON(events.EventCallbackRejected, payload); err != nil {
			c.logger.Error().Err(err).Msg("publish event error")
		}
	}

	if cb.PaymentID <= 0 {
		return authErr
	}

	p, err := c.repo.GetPayment(ctx, cb.PaymentID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			c.logger.Error().Err(err).Int64("payment_id", cb.PaymentID).Msg("load payment for rejected callback")
		}
		return authErr
	}
	if p.IsResolved() {
		return authErr
	}

	b, err := c.repo.GetBooking(ctx, p.BookingID)
	if err != nil {
		c.logger.Error().Err(err).Int64("booking_id", p.BookingID).Msg("load booking for rejected callback")
		return authErr
	}

	if err := c.failAttempt(ctx, p, b, cb, authErr.Reason); err != nil && !isSettleRace(err) {
		c.logger.Error().Err(err).Int64("payment_id", p.ID).Msg("fail attempt for rejected callback")
	}
	return authErr
}

// refundRequired handles a verified success that can no longer confirm its booking.
// The booking is left as it is. The attempt is flagged and staff are asked to refund,
// once per attempt; later deliveries get the same error and no new notice.
func (c *Coordinator) refundRequired(ctx context.Context, cb *domain.GatewayCallback, p *models.Payment, b *models.Booking) error {
	status := p.Status
	if status == models.PaymentPending {
		status = models.PaymentFailed
	}
	stateErr := domain.StateError{
		From:  b.Status.String(),
		Event: string(lifecycle.PaymentSucceeded),
		Msg:   fmt.Sprintf("payment attempt is %s, refund required", status),
	}

	flagged, err := c.repo.FlagRefund(ctx, p.ID, cb.TransactionNo, cb.ResponseCode, c.now())
	if err != nil {
		return err
	}
	if !flagged {
		metrics.IncCallback("replay")
		c.logger.Info().
			Int64("payment_id", p.ID).
			Str("txn_no", cb.TransactionNo).
			Msg("refund already requested for attempt")
		return stateErr
	}

	metrics.IncCallback("refund_required")
	c.logger.Error().
		Int64("booking_id", b.ID).
		Int64("payment_id", p.ID).
		Str("payment_status", string(p.Status)).
		Str("booking_status", b.Status.String()).
		Str("txn_no", cb.TransactionNo).
		Msg("gateway captured payment that cannot be applied")

	reason := fmt.Sprintf("captured %d VND on %s attempt, gateway txn %s", cb.Amount, status, cb.TransactionNo)
	c.publishEvent(events.EventRefundRequired, b, "", p.ID, reason)
	c.notify(ctx, models.Notification{
		Kind:      models.NoticeRefundRequired,
		BookingID: b.ID,
		RoomID:    b.RoomID,
		PaymentID: p.ID,
		Text: fmt.Sprintf("Refund required: payment %d for booking #%d (%s) was captured by the gateway, %d VND, txn %s.",
			p.ID, b.ID, b.Status, cb.Amount, cb.TransactionNo),
	})

	return stateErr
}
