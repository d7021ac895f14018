package service

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"hotelbooking/internal/database"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/events"
	"hotelbooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	jan10   = time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)
	jan12   = time.Date(2024, 1, 12, 14, 0, 0, 0, time.UTC)
	jan13   = time.Date(2024, 1, 13, 14, 0, 0, 0, time.UTC)
	jan15   = time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

	guest = Actor{ID: 7}
	staff = Actor{ID: 1, Staff: true}
)

// fakeGateway trusts a callback when sig=valid; signatures are covered by the vnpay package.
type fakeGateway struct{}

func (fakeGateway) BuildPaymentURL(o domain.PaymentOrder) (string, error) {
	return fmt.Sprintf("https://pay.test/?booking=%d&payment=%d&amount=%d", o.BookingID, o.PaymentID, o.Amount), nil
}

func (fakeGateway) ParseCallback(params url.Values) (*domain.GatewayCallback, error) {
	cb := &domain.GatewayCallback{
		ResponseCode:  params.Get("code"),
		TransactionNo: params.Get("txn"),
		Verified:      params.Get("sig") == "valid",
	}
	cb.BookingID, _ = strconv.ParseInt(params.Get("booking"), 10, 64)
	cb.PaymentID, _ = strconv.ParseInt(params.Get("payment"), 10, 64)
	cb.Amount, _ = strconv.ParseInt(params.Get("amount"), 10, 64)
	cb.Success = cb.Verified && cb.ResponseCode == "00"
	return cb, nil
}

func callbackParams(bookingID, paymentID, amount int64, code, sig string) url.Values {
	return url.Values{
		"booking": {strconv.FormatInt(bookingID, 10)},
		"payment": {strconv.FormatInt(paymentID, 10)},
		"amount":  {strconv.FormatInt(amount, 10)},
		"code":    {code},
		"txn":     {"14226112"},
		"sig":     {sig},
	}
}

type outboxTask struct {
	Type      string
	BookingID int64
	Payload   interface{}
}

type recordingOutbox struct {
	mu    sync.Mutex
	tasks []outboxTask
}

func (o *recordingOutbox) EnqueueTask(_ context.Context, taskType string, bookingID int64, payload interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, outboxTask{Type: taskType, BookingID: bookingID, Payload: payload})
	return nil
}

func (o *recordingOutbox) notices() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var kinds []string
	for _, t := range o.tasks {
		if n, ok := t.Payload.(models.Notification); ok {
			kinds = append(kinds, n.Kind)
		}
	}
	return kinds
}

func (o *recordingOutbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func (o *recordingOutbox) count(taskType string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.tasks {
		if t.Type == taskType {
			n++
		}
	}
	return n
}

type testEnv struct {
	ctx    context.Context
	db     *database.DB
	coord  *Coordinator
	outbox *recordingOutbox
	seen   map[string]int
	seenMu *sync.Mutex
	room   *models.Room
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	room := &models.Room{Number: "101", Type: "double", NightlyRate: 100, IsListed: true}
	require.NoError(t, db.CreateRoom(ctx, room))

	env := &testEnv{
		ctx:    ctx,
		db:     db,
		outbox: &recordingOutbox{},
		seen:   map[string]int{},
		seenMu: &sync.Mutex{},
		room:   room,
	}

	bus := events.NewEventBus()
	for _, et := range events.All {
		et := et
		bus.Subscribe(et, func(*events.Event) error {
			env.seenMu.Lock()
			env.seen[et]++
			env.seenMu.Unlock()
			return nil
		})
	}

	env.coord = NewCoordinator(db, fakeGateway{}, bus, env.outbox, 365, 30*time.Minute, &logger)
	env.coord.now = func() time.Time { return testNow }
	return env
}

func (e *testEnv) published(eventType string) int {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	return e.seen[eventType]
}

func (e *testEnv) reserve(t *testing.T, in, out time.Time) *models.Booking {
	t.Helper()
	b, err := e.coord.Reserve(e.ctx, guest, ReserveRequest{RoomID: e.room.ID, CheckIn: in, CheckOut: out})
	require.NoError(t, err)
	return b
}

func (e *testEnv) requestPayment(t *testing.T, b *models.Booking) *PaymentRedirect {
	t.Helper()
	r, err := e.coord.RequestPayment(e.ctx, guest, b.ID, b.ExpectedTotal(), "10.0.0.1")
	require.NoError(t, err)
	return r
}

func (e *testEnv) booking(t *testing.T, id int64) *models.Booking {
	t.Helper()
	b, err := e.db.GetBooking(e.ctx, id)
	require.NoError(t, err)
	return b
}

func (e *testEnv) payment(t *testing.T, id int64) *models.Payment {
	t.Helper()
	p, err := e.db.GetPayment(e.ctx, id)
	require.NoError(t, err)
	return p
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) GetRoom(ctx context.Context, id int64) (*models.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}
func (m *mockRepo) ListRooms(ctx context.Context, listedOnly bool) ([]*models.Room, error) {
	args := m.Called(ctx, listedOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Room), args.Error(1)
}
func (m *mockRepo) CreateRoom(ctx context.Context, r *models.Room) error {
	return m.Called(ctx, r).Error(0)
}
func (m *mockRepo) UpdateRoom(ctx context.Context, r *models.Room) error {
	return m.Called(ctx, r).Error(0)
}
func (m *mockRepo) UpsertRoomByNumber(ctx context.Context, r *models.Room) error {
	return m.Called(ctx, r).Error(0)
}
func (m *mockRepo) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}
func (m *mockRepo) CreateBookingWithLock(ctx context.Context, b *models.Booking) error {
	return m.Called(ctx, b).Error(0)
}
func (m *mockRepo) GetBlockingBookings(ctx context.Context, roomID int64, from, to time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, roomID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockRepo) GetBlockingBookingsInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockRepo) TransitionBooking(ctx context.Context, t domain.BookingTransition) error {
	return m.Called(ctx, t).Error(0)
}
func (m *mockRepo) GetGuestBookings(ctx context.Context, guestID int64) ([]*models.Booking, error) {
	args := m.Called(ctx, guestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockRepo) GetArrivals(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockRepo) GetDepartures(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockRepo) GetBookingsByCheckInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockRepo) GetStalePendingBookings(ctx context.Context, before time.Time) ([]*models.Booking, error) {
	args := m.Called(ctx, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Booking), args.Error(1)
}
func (m *mockRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	return m.Called(ctx, p).Error(0)
}
func (m *mockRepo) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}
func (m *mockRepo) GetPaymentsByBooking(ctx context.Context, bookingID int64) ([]*models.Payment, error) {
	args := m.Called(ctx, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Payment), args.Error(1)
}
func (m *mockRepo) HasCompletedPayment(ctx context.Context, bookingID int64) (bool, error) {
	args := m.Called(ctx, bookingID)
	return args.Bool(0), args.Error(1)
}
func (m *mockRepo) ResolvePayment(ctx context.Context, r domain.PaymentResolution) error {
	return m.Called(ctx, r).Error(0)
}
func (m *mockRepo) FlagRefund(ctx context.Context, paymentID int64, txnNo, responseCode string, at time.Time) (bool, error) {
	args := m.Called(ctx, paymentID, txnNo, responseCode, at)
	return args.Bool(0), args.Error(1)
}

type mockEventBus struct {
	mock.Mock
}

func (m *mockEventBus) PublishJSON(et string, p interface{}) error { return m.Called(et, p).Error(0) }
