package domain

import (
	"context"
	"net/url"
	"time"

	"hotelbooking/internal/models"
)

type Repository interface {
	GetRoom(ctx context.Context, id int64) (*models.Room, error)
	ListRooms(ctx context.Context, listedOnly bool) ([]*models.Room, error)
	CreateRoom(ctx context.Context, room *models.Room) error
	UpdateRoom(ctx context.Context, room *models.Room) error
	UpsertRoomByNumber(ctx context.Context, room *models.Room) error

	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	CreateBookingWithLock(ctx context.Context, booking *models.Booking) error
	GetBlockingBookings(ctx context.Context, roomID int64, from, to time.Time) ([]*models.Booking, error)
	GetBlockingBookingsInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
	TransitionBooking(ctx context.Context, t BookingTransition) error
	GetGuestBookings(ctx context.Context, guestID int64) ([]*models.Booking, error)
	GetArrivals(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
	GetDepartures(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
	GetBookingsByCheckInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
	GetStalePendingBookings(ctx context.Context, createdBefore time.Time) ([]*models.Booking, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentsByBooking(ctx context.Context, bookingID int64) ([]*models.Payment, error)
	HasCompletedPayment(ctx context.Context, bookingID int64) (bool, error)
	ResolvePayment(ctx context.Context, r PaymentResolution) error
	FlagRefund(ctx context.Context, paymentID int64, txnNo, responseCode string, at time.Time) (bool, error)
}

// BookingTransition is a conditional booking update. It applies only while the
// stored row still has FromStatus and FromVersion.
type BookingTransition struct {
	BookingID      int64
	FromStatus     models.BookingStatus
	FromVersion    int64
	ToStatus       models.BookingStatus
	PaymentID      *int64
	ActualCheckIn  *time.Time
	ActualCheckOut *time.Time
	// CancelPendingPayments moves every still pending attempt of the booking to cancelled.
	CancelPendingPayments bool
}

// PaymentResolution settles a pending payment attempt and, optionally, moves its booking
// in the same transaction.
type PaymentResolution struct {
	PaymentID     int64
	Status        models.PaymentStatus
	GatewayTxnNo  string
	ResponseCode  string
	ResolvedAt    time.Time
	Booking       *BookingTransition
	// CancelSiblingAttempts cancels the other pending attempts of the same booking.
	CancelSiblingAttempts bool
}

// PaymentOrder is what the gateway needs to build a redirect.
type PaymentOrder struct {
	BookingID int64
	PaymentID int64
	Amount    int64
	ClientIP  string
	CreatedAt time.Time
}

// GatewayCallback is a decoded gateway callback. BookingID, PaymentID and Amount may be
// filled from unverified input when Verified is false.
type GatewayCallback struct {
	BookingID     int64
	PaymentID     int64
	Amount        int64
	ResponseCode  string
	TransactionNo string
	Verified      bool
	Success       bool
}

type PaymentGateway interface {
	BuildPaymentURL(order PaymentOrder) (string, error)
	ParseCallback(params url.Values) (*GatewayCallback, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type OutboxWriter interface {
	EnqueueTask(ctx context.Context, taskType string, bookingID int64, payload interface{}) error
}

// KVStore is a short-lived key-value store with per-key expiry.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
