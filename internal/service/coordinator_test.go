package service

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"hotelbooking/internal/database"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/events"
	"hotelbooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestReserve(t *testing.T) {
	env := newTestEnv(t)

	b := env.reserve(t, jan10, jan13)
	assert.NotZero(t, b.ID)
	assert.Equal(t, models.BookingPending, b.Status)
	assert.Equal(t, int64(100), b.NightlyRate)
	assert.Equal(t, int64(300), b.TotalPrice)
	assert.Equal(t, guest.ID, b.GuestID)
	assert.Equal(t, 1, env.published(events.EventBookingReserved))
	assert.Equal(t, 1, env.outbox.count(models.TaskLedgerUpsert))

	_, err := env.coord.Reserve(env.ctx, guest, ReserveRequest{RoomID: env.room.ID, CheckIn: jan12, CheckOut: jan15})
	assert.True(t, domain.IsConflict(err), "overlapping stay must conflict, got %v", err)

	// back-to-back stays do not overlap
	env.reserve(t, jan13, jan15)
}

func TestReserveValidation(t *testing.T) {
	env := newTestEnv(t)
	unlisted := &models.Room{Number: "999", Type: "suite", NightlyRate: 500}
	require.NoError(t, env.db.CreateRoom(env.ctx, unlisted))

	tests := []struct {
		name  string
		actor Actor
		req   ReserveRequest
		check func(error) bool
	}{
		{"no guest", Actor{}, ReserveRequest{RoomID: env.room.ID, CheckIn: jan10, CheckOut: jan13}, domain.IsValidation},
		{"no room", guest, ReserveRequest{CheckIn: jan10, CheckOut: jan13}, domain.IsValidation},
		{"past check-in", guest, ReserveRequest{RoomID: env.room.ID, CheckIn: testNow.Add(-time.Hour), CheckOut: jan13}, domain.IsValidation},
		{"check-out before check-in", guest, ReserveRequest{RoomID: env.room.ID, CheckIn: jan13, CheckOut: jan10}, domain.IsValidation},
		{"same day", guest, ReserveRequest{RoomID: env.room.ID, CheckIn: jan10, CheckOut: jan10}, domain.IsValidation},
		{"under one night", guest, ReserveRequest{RoomID: env.room.ID, CheckIn: jan10, CheckOut: jan10.Add(12 * time.Hour)}, domain.IsValidation},
		{"too far ahead", guest, ReserveRequest{RoomID: env.room.ID, CheckIn: testNow.AddDate(2, 0, 0), CheckOut: testNow.AddDate(2, 0, 3)}, domain.IsValidation},
		{"unknown room", guest, ReserveRequest{RoomID: 4242, CheckIn: jan10, CheckOut: jan13}, domain.IsNotFound},
		{"unlisted room", guest, ReserveRequest{RoomID: unlisted.ID, CheckIn: jan10, CheckOut: jan13}, domain.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := env.coord.Reserve(env.ctx, tt.actor, tt.req)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestConcurrentReservations(t *testing.T) {
	env := newTestEnv(t)

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := jan10.Add(time.Duration(i%3) * 24 * time.Hour)
			_, errs[i] = env.coord.Reserve(env.ctx, Actor{ID: int64(100 + i)},
				ReserveRequest{RoomID: env.room.ID, CheckIn: in, CheckOut: in.Add(72 * time.Hour)})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, domain.IsConflict(err), "unexpected error %v", err)
	}
	assert.Equal(t, 1, ok)
}

func TestRequestPayment(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)

	t.Run("amount mismatch creates no attempt", func(t *testing.T) {
		_, err := env.coord.RequestPayment(env.ctx, guest, b.ID, 250, "10.0.0.1")
		var mismatch domain.AmountMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, int64(300), mismatch.Expected)
		assert.Equal(t, int64(250), mismatch.Claimed)

		payments, err := env.db.GetPaymentsByBooking(env.ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)
	})

	t.Run("other guest sees nothing", func(t *testing.T) {
		_, err := env.coord.RequestPayment(env.ctx, Actor{ID: 99}, b.ID, 300, "10.0.0.1")
		assert.True(t, domain.IsNotFound(err))
	})

	t.Run("rate change does not move the total", func(t *testing.T) {
		room := *env.room
		room.NightlyRate = 500
		require.NoError(t, env.db.UpdateRoom(env.ctx, &room))

		r := env.requestPayment(t, b)
		assert.Equal(t, int64(300), r.Amount)
		assert.Contains(t, r.URL, "amount=300")

		p := env.payment(t, r.PaymentID)
		assert.Equal(t, models.PaymentPending, p.Status)
		assert.Equal(t, models.PaymentMethodVNPay, p.Method)
	})

	t.Run("paid booking rejects another attempt", func(t *testing.T) {
		r := env.requestPayment(t, b)
		_, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "00", "valid"))
		require.NoError(t, err)

		_, err = env.coord.RequestPayment(env.ctx, guest, b.ID, 300, "10.0.0.1")
		assert.True(t, domain.IsConflict(err))
	})
}

func TestReserveKeepsStoredPrecision(t *testing.T) {
	env := newTestEnv(t)

	b, err := env.coord.Reserve(env.ctx, guest, ReserveRequest{
		RoomID: env.room.ID, CheckIn: jan10.Add(900 * time.Millisecond), CheckOut: jan13,
	})
	require.NoError(t, err)
	assert.Equal(t, jan10, b.CheckIn)
	assert.Equal(t, int64(300), b.TotalPrice)

	stored := env.booking(t, b.ID)
	assert.Equal(t, b.TotalPrice, stored.TotalPrice)
	assert.Equal(t, stored.TotalPrice, stored.ExpectedTotal())

	_, err = env.coord.RequestPayment(env.ctx, guest, b.ID, b.TotalPrice, "10.0.0.1")
	assert.NoError(t, err)
}

func TestRequestPaymentMinimumAmount(t *testing.T) {
	env := newTestEnv(t)
	env.coord.WithMinPaymentAmount(1000)
	b := env.reserve(t, jan10, jan13)

	// the claimed amount is reconciled first
	_, err := env.coord.RequestPayment(env.ctx, guest, b.ID, 250, "10.0.0.1")
	assert.True(t, domain.IsAmountMismatch(err))

	_, err = env.coord.RequestPayment(env.ctx, guest, b.ID, 300, "10.0.0.1")
	assert.True(t, domain.IsValidation(err))

	payments, err := env.db.GetPaymentsByBooking(env.ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestRequestPaymentOnCancelledBooking(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	_, err := env.coord.CancelBooking(env.ctx, guest, b.ID)
	require.NoError(t, err)

	_, err = env.coord.RequestPayment(env.ctx, guest, b.ID, 300, "10.0.0.1")
	assert.True(t, domain.IsState(err))
}

func TestHandleCallbackSuccess(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)

	res, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "00", "valid"))
	require.NoError(t, err)
	assert.Equal(t, &CallbackResult{BookingID: b.ID, PaymentID: r.PaymentID, Success: true}, res)

	got := env.booking(t, b.ID)
	assert.Equal(t, models.BookingConfirmed, got.Status)
	require.NotNil(t, got.PaymentID)
	assert.Equal(t, r.PaymentID, *got.PaymentID)

	p := env.payment(t, r.PaymentID)
	assert.Equal(t, models.PaymentCompleted, p.Status)
	assert.Equal(t, "14226112", p.GatewayTxnNo)
	assert.Equal(t, "00", p.ResponseCode)
	assert.NotNil(t, p.ResolvedAt)

	assert.Equal(t, 1, env.published(events.EventBookingConfirmed))
	assert.Contains(t, env.outbox.notices(), models.NoticeBookingConfirmed)
	assert.Equal(t, 1, env.outbox.count(models.TaskLedgerStatus))
}

func TestHandleCallbackReplay(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)
	params := callbackParams(b.ID, r.PaymentID, 300, "00", "valid")

	first, err := env.coord.HandleCallback(env.ctx, params)
	require.NoError(t, err)
	afterFirst := env.booking(t, b.ID)

	second, err := env.coord.HandleCallback(env.ctx, params)
	require.NoError(t, err)
	assert.True(t, second.Replay)
	assert.Equal(t, first.Success, second.Success)
	assert.Equal(t, first.PaymentID, second.PaymentID)

	afterSecond := env.booking(t, b.ID)
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
	assert.Equal(t, afterFirst.UpdatedAt, afterSecond.UpdatedAt)
	assert.Equal(t, 1, env.published(events.EventBookingConfirmed))

	payments, err := env.db.GetPaymentsByBooking(env.ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentCompleted, payments[0].Status)
}

func TestHandleCallbackConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)
	params := callbackParams(b.ID, r.PaymentID, 300, "00", "valid")

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*CallbackResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.coord.HandleCallback(env.ctx, params)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
		if !results[i].Replay {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(2), env.booking(t, b.ID).Version)
	assert.Equal(t, 1, env.published(events.EventBookingConfirmed))
}

func TestHandleCallbackForged(t *testing.T) {
	t.Run("claimed success cancels the booking", func(t *testing.T) {
		env := newTestEnv(t)
		b := env.reserve(t, jan10, jan13)
		r := env.requestPayment(t, b)

		res, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "00", "forged"))
		assert.Nil(t, res)
		assert.True(t, domain.IsAuthenticity(err))

		assert.Equal(t, models.BookingCancelled, env.booking(t, b.ID).Status)
		p := env.payment(t, r.PaymentID)
		assert.Equal(t, models.PaymentFailed, p.Status)
		assert.Empty(t, p.ResponseCode)
		assert.Equal(t, 1, env.published(events.EventCallbackRejected))

		blocking, err := env.db.GetBlockingBookings(env.ctx, env.room.ID, jan10, jan13)
		require.NoError(t, err)
		assert.Empty(t, blocking)
	})

	t.Run("resolved attempt is left alone", func(t *testing.T) {
		env := newTestEnv(t)
		b := env.reserve(t, jan10, jan13)
		r := env.requestPayment(t, b)
		_, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "00", "valid"))
		require.NoError(t, err)

		_, err = env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "24", "forged"))
		assert.True(t, domain.IsAuthenticity(err))
		assert.Equal(t, models.BookingConfirmed, env.booking(t, b.ID).Status)
		assert.Equal(t, models.PaymentCompleted, env.payment(t, r.PaymentID).Status)
	})

	t.Run("unknown reference", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.coord.HandleCallback(env.ctx, callbackParams(0, 0, 300, "00", "forged"))
		assert.True(t, domain.IsAuthenticity(err))

		_, err = env.coord.HandleCallback(env.ctx, callbackParams(1, 777, 300, "00", "forged"))
		assert.True(t, domain.IsAuthenticity(err))
	})
}

func TestHandleCallbackDeclined(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)
	params := callbackParams(b.ID, r.PaymentID, 300, "24", "valid")

	res, err := env.coord.HandleCallback(env.ctx, params)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Replay)

	assert.Equal(t, models.BookingCancelled, env.booking(t, b.ID).Status)
	p := env.payment(t, r.PaymentID)
	assert.Equal(t, models.PaymentFailed, p.Status)
	assert.Equal(t, "24", p.ResponseCode)
	assert.Contains(t, env.outbox.notices(), models.NoticePaymentFailed)

	again, err := env.coord.HandleCallback(env.ctx, params)
	require.NoError(t, err)
	assert.True(t, again.Replay)
	assert.False(t, again.Success)
}

func TestHandleCallbackAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)

	_, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 250, "00", "valid"))
	var mismatch domain.AmountMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(300), mismatch.Expected)
	assert.Equal(t, int64(250), mismatch.Claimed)

	assert.Equal(t, models.BookingCancelled, env.booking(t, b.ID).Status)
	assert.Equal(t, models.PaymentFailed, env.payment(t, r.PaymentID).Status)
}

func TestHandleCallbackBookingMismatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)

	_, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID+1, r.PaymentID, 300, "00", "valid"))
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, models.BookingPending, env.booking(t, b.ID).Status)
	assert.Equal(t, models.PaymentPending, env.payment(t, r.PaymentID).Status)
}

func TestHandleCallbackAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)

	_, err := env.coord.CancelBooking(env.ctx, guest, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, env.payment(t, r.PaymentID).Status)

	_, err = env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "00", "valid"))
	assert.True(t, domain.IsState(err))
	assert.Equal(t, models.BookingCancelled, env.booking(t, b.ID).Status)
	assert.Equal(t, models.PaymentCancelled, env.payment(t, r.PaymentID).Status)
	assert.Contains(t, env.outbox.notices(), models.NoticeRefundRequired)
	assert.Equal(t, 1, env.published(events.EventRefundRequired))
}

func TestHandleCallbackSupersededAttempt(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	first := env.requestPayment(t, b)
	second := env.requestPayment(t, b)

	res, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, second.PaymentID, 300, "00", "valid"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.PaymentCancelled, env.payment(t, first.PaymentID).Status)

	_, err = env.coord.HandleCallback(env.ctx, callbackParams(b.ID, first.PaymentID, 300, "00", "valid"))
	assert.True(t, domain.IsState(err))
	assert.Contains(t, env.outbox.notices(), models.NoticeRefundRequired)

	got := env.booking(t, b.ID)
	assert.Equal(t, models.BookingConfirmed, got.Status)
	assert.Equal(t, second.PaymentID, *got.PaymentID)
}

func TestHandleCallbackRedeliveryOfRejectedSuccess(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, env *testEnv, b *models.Booking) url.Values
		check func(error) bool
	}{
		{
			name: "amount mismatch",
			setup: func(t *testing.T, env *testEnv, b *models.Booking) url.Values {
				r := env.requestPayment(t, b)
				return callbackParams(b.ID, r.PaymentID, 250, "00", "valid")
			},
			check: domain.IsAmountMismatch,
		},
		{
			name: "after cancel",
			setup: func(t *testing.T, env *testEnv, b *models.Booking) url.Values {
				r := env.requestPayment(t, b)
				_, err := env.coord.CancelBooking(env.ctx, guest, b.ID)
				require.NoError(t, err)
				return callbackParams(b.ID, r.PaymentID, 300, "00", "valid")
			},
			check: domain.IsState,
		},
		{
			name: "superseded attempt",
			setup: func(t *testing.T, env *testEnv, b *models.Booking) url.Values {
				first := env.requestPayment(t, b)
				second := env.requestPayment(t, b)
				_, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, second.PaymentID, 300, "00", "valid"))
				require.NoError(t, err)
				return callbackParams(b.ID, first.PaymentID, 300, "00", "valid")
			},
			check: domain.IsState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.reserve(t, jan10, jan13)
			params := tt.setup(t, env, b)

			res, first := env.coord.HandleCallback(env.ctx, params)
			assert.Nil(t, res)
			require.True(t, tt.check(first), "unexpected error %v", first)
			tasks := env.outbox.size()
			refunds := env.published(events.EventRefundRequired)
			booking := env.booking(t, b.ID)

			for i := 0; i < 2; i++ {
				res, again := env.coord.HandleCallback(env.ctx, params)
				assert.Nil(t, res)
				assert.Equal(t, first, again)
			}

			assert.Equal(t, tasks, env.outbox.size())
			assert.Equal(t, refunds, env.published(events.EventRefundRequired))
			assert.LessOrEqual(t, refunds, 1)
			assert.Equal(t, booking.Version, env.booking(t, b.ID).Version)
		})
	}
}

func TestHandleCallbackRefundOncePerAttempt(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)
	_, err := env.coord.CancelBooking(env.ctx, guest, b.ID)
	require.NoError(t, err)

	// a second capture with a different gateway transaction for the same attempt
	params := callbackParams(b.ID, r.PaymentID, 300, "00", "valid")
	_, err = env.coord.HandleCallback(env.ctx, params)
	assert.True(t, domain.IsState(err))
	params.Set("txn", "14226199")
	_, err = env.coord.HandleCallback(env.ctx, params)
	assert.True(t, domain.IsState(err))

	assert.Equal(t, []string{models.NoticeRefundRequired}, env.outbox.notices())
	assert.Equal(t, 1, env.published(events.EventRefundRequired))
	p := env.payment(t, r.PaymentID)
	assert.True(t, p.RefundRequired)
	assert.Equal(t, "14226112", p.GatewayTxnNo)
}

func TestCancelBooking(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)

	_, err := env.coord.CancelBooking(env.ctx, Actor{ID: 99}, b.ID)
	assert.True(t, domain.IsNotFound(err))

	got, err := env.coord.CancelBooking(env.ctx, guest, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, got.Status)
	assert.Equal(t, b.Version+1, got.Version)

	_, err = env.coord.CancelBooking(env.ctx, guest, b.ID)
	assert.True(t, domain.IsState(err))

	// the dates are free again
	env.reserve(t, jan10, jan13)
}

func TestCancelConfirmedBooking(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	r := env.requestPayment(t, b)
	_, err := env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "00", "valid"))
	require.NoError(t, err)

	got, err := env.coord.CancelBooking(env.ctx, staff, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, got.Status)
	assert.Contains(t, env.outbox.notices(), models.NoticeBookingCancelled)
}

func TestCancelAfterCheckInTime(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)

	env.coord.now = func() time.Time { return jan10.Add(time.Hour) }
	_, err := env.coord.CancelBooking(env.ctx, guest, b.ID)
	assert.True(t, domain.IsState(err))
	assert.Equal(t, models.BookingPending, env.booking(t, b.ID).Status)
}

func TestCheckInCheckOut(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)

	_, err := env.coord.CheckIn(env.ctx, b.ID)
	assert.True(t, domain.IsState(err), "check-in without payment must fail, got %v", err)

	r := env.requestPayment(t, b)
	_, err = env.coord.HandleCallback(env.ctx, callbackParams(b.ID, r.PaymentID, 300, "00", "valid"))
	require.NoError(t, err)

	_, err = env.coord.CheckOut(env.ctx, b.ID)
	assert.True(t, domain.IsState(err), "check-out before check-in must fail, got %v", err)

	env.coord.now = func() time.Time { return jan10.Add(2 * time.Hour) }
	arrivals, err := env.coord.Arrivals(env.ctx, jan10.Add(-time.Hour), jan10.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, arrivals, 1)

	in, err := env.coord.CheckIn(env.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCheckedIn, in.Status)
	require.NotNil(t, in.ActualCheckIn)

	departures, err := env.coord.Departures(env.ctx, jan13.Add(-time.Hour), jan13.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, departures, 1)

	env.coord.now = func() time.Time { return jan13 }
	out, err := env.coord.CheckOut(env.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCompleted, out.Status)
	require.NotNil(t, out.ActualCheckOut)

	_, err = env.coord.CheckOut(env.ctx, b.ID)
	assert.True(t, domain.IsState(err))
	_, err = env.coord.CancelBooking(env.ctx, staff, b.ID)
	assert.True(t, domain.IsState(err))

	assert.Contains(t, env.outbox.notices(), models.NoticeGuestCheckedIn)
	assert.Contains(t, env.outbox.notices(), models.NoticeGuestCheckedOut)
}

func TestExpireStaleHolds(t *testing.T) {
	env := newTestEnv(t)
	abandoned := env.reserve(t, jan10, jan12)
	paying := env.reserve(t, jan13, jan15)
	env.requestPayment(t, paying)

	old := time.Now().UTC().Add(-2 * time.Hour).Format("2006-01-02 15:04:05")
	_, err := env.db.ExecContext(env.ctx, `UPDATE bookings SET created_at = ?`, old)
	require.NoError(t, err)

	env.coord.now = time.Now
	n, err := env.coord.ExpireStaleHolds(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.BookingCancelled, env.booking(t, abandoned.ID).Status)
	assert.Equal(t, models.BookingPending, env.booking(t, paying.ID).Status)

	n, err = env.coord.ExpireStaleHolds(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGuestReads(t *testing.T) {
	env := newTestEnv(t)
	b := env.reserve(t, jan10, jan13)
	env.requestPayment(t, b)

	list, err := env.coord.ListGuestBookings(env.ctx, guest)
	require.NoError(t, err)
	require.Len(t, list, 1)

	payments, err := env.coord.ListPayments(env.ctx, guest, b.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	_, err = env.coord.ListPayments(env.ctx, Actor{ID: 99}, b.ID)
	assert.True(t, domain.IsNotFound(err))

	got, err := env.coord.GetBooking(env.ctx, staff, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = env.coord.Arrivals(env.ctx, jan13, jan10)
	assert.True(t, domain.IsValidation(err))
}

func newMockCoordinator(repo *mockRepo, bus *mockEventBus) *Coordinator {
	logger := zerolog.New(io.Discard)
	c := NewCoordinator(repo, fakeGateway{}, bus, nil, 365, 0, &logger)
	c.now = func() time.Time { return testNow }
	return c
}

func TestCoordinatorWithMocks(t *testing.T) {
	ctx := context.Background()
	pending := &models.Booking{
		ID: 5, RoomID: 1, GuestID: guest.ID, CheckIn: jan10, CheckOut: jan13,
		NightlyRate: 100, TotalPrice: 300, Status: models.BookingPending, Version: 1,
	}

	t.Run("amount mismatch never reaches storage", func(t *testing.T) {
		repo := new(mockRepo)
		bus := new(mockEventBus)
		c := newMockCoordinator(repo, bus)

		repo.On("GetBooking", ctx, int64(5)).Return(pending, nil).Once()
		repo.On("HasCompletedPayment", ctx, int64(5)).Return(false, nil).Once()

		_, err := c.RequestPayment(ctx, guest, 5, 250, "10.0.0.1")
		assert.True(t, domain.IsAmountMismatch(err))
		repo.AssertExpectations(t)
		repo.AssertNotCalled(t, "CreatePayment", mock.Anything, mock.Anything)
		bus.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything)
	})

	t.Run("booking cancelled before the attempt is stored", func(t *testing.T) {
		repo := new(mockRepo)
		bus := new(mockEventBus)
		c := newMockCoordinator(repo, bus)

		repo.On("GetBooking", ctx, int64(5)).Return(pending, nil).Once()
		repo.On("HasCompletedPayment", ctx, int64(5)).Return(false, nil).Once()
		repo.On("CreatePayment", ctx, mock.Anything).Return(database.ErrBookingNotPending).Once()

		redirect, err := c.RequestPayment(ctx, guest, 5, 300, "10.0.0.1")
		assert.Nil(t, redirect)
		assert.True(t, domain.IsConflict(err))
		assert.ErrorIs(t, err, database.ErrBookingNotPending)
		repo.AssertExpectations(t)
		bus.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything)
	})

	t.Run("storage failure is internal", func(t *testing.T) {
		repo := new(mockRepo)
		c := newMockCoordinator(repo, new(mockEventBus))

		repo.On("GetBooking", ctx, int64(5)).Return(nil, errors.New("database is locked")).Once()

		_, err := c.GetBooking(ctx, guest, 5)
		require.Error(t, err)
		assert.True(t, domain.IsInternal(err))
		assert.Equal(t, "internal error", err.Error())
	})

	t.Run("reserve copies the rate", func(t *testing.T) {
		repo := new(mockRepo)
		bus := new(mockEventBus)
		c := newMockCoordinator(repo, bus)

		repo.On("GetRoom", ctx, int64(1)).Return(&models.Room{ID: 1, NightlyRate: 100, IsListed: true}, nil).Once()
		repo.On("CreateBookingWithLock", ctx, mock.MatchedBy(func(b *models.Booking) bool {
			return b.TotalPrice == 300 && b.NightlyRate == 100 && b.Status == models.BookingPending
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*models.Booking).ID = 9
		}).Return(nil).Once()
		bus.On("PublishJSON", events.EventBookingReserved, mock.Anything).Return(nil).Once()

		b, err := c.Reserve(ctx, guest, ReserveRequest{RoomID: 1, CheckIn: jan10, CheckOut: jan13})
		require.NoError(t, err)
		assert.Equal(t, int64(9), b.ID)
		repo.AssertExpectations(t)
		bus.AssertExpectations(t)
	})

	t.Run("overlap guard maps to conflict", func(t *testing.T) {
		repo := new(mockRepo)
		bus := new(mockEventBus)
		c := newMockCoordinator(repo, bus)

		repo.On("GetRoom", ctx, int64(1)).Return(&models.Room{ID: 1, NightlyRate: 100, IsListed: true}, nil).Once()
		repo.On("CreateBookingWithLock", ctx, mock.Anything).Return(database.ErrRoomUnavailable).Once()

		_, err := c.Reserve(ctx, guest, ReserveRequest{RoomID: 1, CheckIn: jan10, CheckOut: jan13})
		assert.True(t, domain.IsConflict(err))
		assert.ErrorIs(t, err, database.ErrRoomUnavailable)
		bus.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything)
	})

	t.Run("lost version race is a conflict", func(t *testing.T) {
		repo := new(mockRepo)
		c := newMockCoordinator(repo, new(mockEventBus))

		repo.On("GetBooking", ctx, int64(5)).Return(pending, nil).Once()
		repo.On("TransitionBooking", ctx, mock.MatchedBy(func(tr domain.BookingTransition) bool {
			return tr.FromVersion == 1 && tr.ToStatus == models.BookingCancelled && tr.CancelPendingPayments
		})).Return(database.ErrConcurrentModification).Once()

		_, err := c.CancelBooking(ctx, guest, 5)
		assert.True(t, domain.IsConflict(err))
		repo.AssertExpectations(t)
	})

	t.Run("event bus failure does not fail the operation", func(t *testing.T) {
		repo := new(mockRepo)
		bus := new(mockEventBus)
		c := newMockCoordinator(repo, bus)
		cancelled := *pending
		cancelled.Status = models.BookingCancelled
		cancelled.Version = 2

		repo.On("GetBooking", ctx, int64(5)).Return(pending, nil).Once()
		repo.On("TransitionBooking", ctx, mock.Anything).Return(nil).Once()
		repo.On("GetBooking", ctx, int64(5)).Return(&cancelled, nil).Once()
		bus.On("PublishJSON", events.EventBookingCancelled, mock.Anything).Return(errors.New("handler failed")).Once()

		got, err := c.CancelBooking(ctx, guest, 5)
		require.NoError(t, err)
		assert.Equal(t, models.BookingCancelled, got.Status)
		repo.AssertExpectations(t)
		bus.AssertExpectations(t)
	})
}
