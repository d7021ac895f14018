package database

import (
	"context"
	"testing"
	"time"

	"hotelbooking/internal/domain"
	"hotelbooking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	room := seedRoom(t, db, "101", 100)
	b := seedBooking(t, db, room.ID, jan10, jan13)

	p := &models.Payment{BookingID: b.ID, Amount: 300}
	require.NoError(t, db.CreatePayment(ctx, p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, models.PaymentPending, p.Status)
	assert.Equal(t, models.PaymentMethodVNPay, p.Method)

	got, err := db.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Amount)
	assert.Nil(t, got.ResolvedAt)

	_, err = db.GetPayment(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.CreatePayment(ctx, &models.Payment{BookingID: 999, Amount: 300})
	assert.ErrorIs(t, err, ErrNotFound)

	paid, err := db.HasCompletedPayment(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestResolvePaymentConfirmsBooking(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	room := seedRoom(t, db, "101", 100)
	b := seedBooking(t, db, room.ID, jan10, jan13)
	older := &models.Payment{BookingID: b.ID, Amount: 300}
	winner := &models.Payment{BookingID: b.ID, Amount: 300}
	require.NoError(t, db.CreatePayment(ctx, older))
	require.NoError(t, db.CreatePayment(ctx, winner))

	resolution := domain.PaymentResolution{
		PaymentID:    winner.ID,
		Status:       models.PaymentCompleted,
		GatewayTxnNo: "14226112",
		ResponseCode: "00",
		ResolvedAt:   time.Now(),
		Booking: &domain.BookingTransition{
			BookingID: b.ID, FromStatus: models.BookingPending, FromVersion: 1, ToStatus: models.BookingConfirmed,
			PaymentID: &winner.ID,
		},
		CancelSiblingAttempts: true,
	}
	require.NoError(t, db.ResolvePayment(ctx, resolution))

	got, err := db.GetPayment(ctx, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, got.Status)
	assert.Equal(t, "14226112", got.GatewayTxnNo)
	assert.NotNil(t, got.ResolvedAt)

	sibling, err := db.GetPayment(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, sibling.Status)

	booking, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, booking.Status)

	paid, err := db.HasCompletedPayment(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, paid)

	t.Run("replay is refused", func(t *testing.T) {
		assert.ErrorIs(t, db.ResolvePayment(ctx, resolution), ErrAlreadyResolved)
	})

	t.Run("sibling cannot be resolved later", func(t *testing.T) {
		err := db.ResolvePayment(ctx, domain.PaymentResolution{PaymentID: older.ID, Status: models.PaymentFailed})
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})

	t.Run("no new attempts after completion", func(t *testing.T) {
		err := db.CreatePayment(ctx, &models.Payment{BookingID: b.ID, Amount: 300})
		assert.ErrorIs(t, err, ErrAlreadyPaid)
	})
}

func TestResolvePaymentRollsBackOnStaleBooking(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	room := seedRoom(t, db, "101", 100)
	b := seedBooking(t, db, room.ID, jan10, jan13)
	p := &models.Payment{BookingID: b.ID, Amount: 300}
	require.NoError(t, db.CreatePayment(ctx, p))

	err := db.ResolvePayment(ctx, domain.PaymentResolution{
		PaymentID: p.ID,
		Status:    models.PaymentCompleted,
		Booking: &domain.BookingTransition{
			BookingID: b.ID, FromStatus: models.BookingPending, FromVersion: 5, ToStatus: models.BookingConfirmed,
		},
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := db.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.Status, "payment update must roll back with the booking")
}

func TestOnlyOneCompletedPaymentPerBooking(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	room := seedRoom(t, db, "101", 100)
	b := seedBooking(t, db, room.ID, jan10, jan13)
	p1 := &models.Payment{BookingID: b.ID, Amount: 300}
	p2 := &models.Payment{BookingID: b.ID, Amount: 300}
	require.NoError(t, db.CreatePayment(ctx, p1))
	require.NoError(t, db.CreatePayment(ctx, p2))

	require.NoError(t, db.ResolvePayment(ctx, domain.PaymentResolution{PaymentID: p1.ID, Status: models.PaymentCompleted}))
	err := db.ResolvePayment(ctx, domain.PaymentResolution{PaymentID: p2.ID, Status: models.PaymentCompleted})
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	err = db.ResolvePayment(ctx, domain.PaymentResolution{PaymentID: 999, Status: models.PaymentFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePaymentRequiresPendingBooking(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	room := seedRoom(t, db, "101", 100)
	b := seedBooking(t, db, room.ID, jan10, jan13)

	// a cancel that commits after the caller read the booking as pending
	err := db.TransitionBooking(ctx, domain.BookingTransition{
		BookingID: b.ID, FromStatus: models.BookingPending, FromVersion: 1, ToStatus: models.BookingCancelled,
		CancelPendingPayments: true,
	})
	require.NoError(t, err)

	err = db.CreatePayment(ctx, &models.Payment{BookingID: b.ID, Amount: 300})
	assert.ErrorIs(t, err, ErrBookingNotPending)

	payments, err := db.GetPaymentsByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestFlagRefund(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	room := seedRoom(t, db, "101", 100)
	b := seedBooking(t, db, room.ID, jan10, jan13)
	cancelled := &models.Payment{BookingID: b.ID, Amount: 300}
	pending := &models.Payment{BookingID: b.ID, Amount: 300}
	require.NoError(t, db.CreatePayment(ctx, cancelled))
	require.NoError(t, db.CreatePayment(ctx, pending))
	require.NoError(t, db.ResolvePayment(ctx, domain.PaymentResolution{PaymentID: cancelled.ID, Status: models.PaymentCancelled}))

	flagged, err := db.FlagRefund(ctx, cancelled.ID, "14226112", "00", time.Now())
	require.NoError(t, err)
	assert.True(t, flagged)

	got, err := db.GetPayment(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.True(t, got.RefundRequired)
	assert.Equal(t, models.PaymentCancelled, got.Status)
	assert.Equal(t, "14226112", got.GatewayTxnNo)
	assert.Equal(t, "00", got.ResponseCode)

	t.Run("second flag is a no-op", func(t *testing.T) {
		flagged, err := db.FlagRefund(ctx, cancelled.ID, "99999999", "00", time.Now())
		require.NoError(t, err)
		assert.False(t, flagged)

		got, err := db.GetPayment(ctx, cancelled.ID)
		require.NoError(t, err)
		assert.Equal(t, "14226112", got.GatewayTxnNo)
	})

	t.Run("pending attempt is failed", func(t *testing.T) {
		flagged, err := db.FlagRefund(ctx, pending.ID, "14226113", "00", time.Now())
		require.NoError(t, err)
		assert.True(t, flagged)

		got, err := db.GetPayment(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, got.Status)
		assert.NotNil(t, got.ResolvedAt)
	})

	t.Run("unknown attempt", func(t *testing.T) {
		_, err := db.FlagRefund(ctx, 999, "1", "00", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
