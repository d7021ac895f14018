package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hotelbooking/internal/availability"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/models"
)

const bookingColumns = `id, room_id, guest_id, check_in, check_out, nightly_rate, total_price, status,
                        actual_check_in, actual_check_out, payment_id, note, created_at, updated_at, version`

const blockingStatusSQL = `('pending', 'confirmed', 'checked_in')`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                   models.Booking
		checkIn, checkOut   string
		created, updated    string
		actualIn, actualOut sql.NullString
		paymentID           sql.NullInt64
		status              string
	)
	err := row.Scan(&b.ID, &b.RoomID, &b.GuestID, &checkIn, &checkOut, &b.NightlyRate, &b.TotalPrice, &status,
		&actualIn, &actualOut, &paymentID, &b.Note, &created, &updated, &b.Version)
	if err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(status)
	if paymentID.Valid {
		id := paymentID.Int64
		b.PaymentID = &id
	}

	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&b.CheckIn, checkIn}, {&b.CheckOut, checkOut}, {&b.CreatedAt, created}, {&b.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, fmt.Errorf("parse booking %d time %q: %w", b.ID, f.src, err)
		}
	}
	if b.ActualCheckIn, err = parseNullTime(actualIn); err != nil {
		return nil, fmt.Errorf("parse booking %d actual_check_in: %w", b.ID, err)
	}
	if b.ActualCheckOut, err = parseNullTime(actualOut); err != nil {
		return nil, fmt.Errorf("parse booking %d actual_check_out: %w", b.ID, err)
	}
	return &b, nil
}

func queryBookings(ctx context.Context, q queryer, query string, args ...interface{}) ([]*models.Booking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bookings, nil
}

// CreateBookingWithLock checks the room for overlapping blocking bookings and inserts the
// new one inside a single immediate transaction. The bookings_no_overlap trigger backs the
// check up at the storage level.
func (db *DB) CreateBookingWithLock(ctx context.Context, booking *models.Booking) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := queryBookings(ctx, tx,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE room_id = ? AND status IN `+blockingStatusSQL+` AND check_in < ? AND ? < check_out`,
		booking.RoomID, formatTime(booking.CheckOut), formatTime(booking.CheckIn))
	if err != nil {
		return fmt.Errorf("failed to check availability in tx: %w", err)
	}
	if conflicts := availability.Conflicts(existing, booking.RoomID, booking.CheckIn, booking.CheckOut); len(conflicts) > 0 {
		db.logger.Debug().
			Int64("room_id", booking.RoomID).
			Ints64("conflicts", conflicts).
			Msg("Booking rejected, room is taken")
		return ErrRoomUnavailable
	}

	now := time.Now().UTC().Truncate(time.Second)
	if booking.Status == "" {
		booking.Status = models.BookingPending
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO bookings (room_id, guest_id, check_in, check_out, nightly_rate, total_price, status, note, created_at, updated_at, version)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		booking.RoomID,
		booking.GuestID,
		formatTime(booking.CheckIn),
		formatTime(booking.CheckOut),
		booking.NightlyRate,
		booking.TotalPrice,
		string(booking.Status),
		booking.Note,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		switch {
		case isOverlapError(err):
			return ErrRoomUnavailable
		case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert booking in tx: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id in tx: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking: %w", err)
	}

	booking.ID = id
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// GetBlockingBookings returns the room's blocking bookings that intersect [from, to).
func (db *DB) GetBlockingBookings(ctx context.Context, roomID int64, from, to time.Time) ([]*models.Booking, error) {
	bookings, err := queryBookings(ctx, db,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE room_id = ? AND status IN `+blockingStatusSQL+` AND check_in < ? AND ? < check_out
         ORDER BY check_in ASC`,
		roomID, formatTime(to), formatTime(from))
	if err != nil {
		return nil, fmt.Errorf("failed to get blocking bookings: %w", err)
	}
	return bookings, nil
}

func (db *DB) GetBlockingBookingsInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	bookings, err := queryBookings(ctx, db,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE status IN `+blockingStatusSQL+` AND check_in < ? AND ? < check_out
         ORDER BY room_id ASC, check_in ASC`,
		formatTime(to), formatTime(from))
	if err != nil {
		return nil, fmt.Errorf("failed to get blocking bookings in range: %w", err)
	}
	return bookings, nil
}

func (db *DB) GetGuestBookings(ctx context.Context, guestID int64) ([]*models.Booking, error) {
	bookings, err := queryBookings(ctx, db,
		`SELECT `+bookingColumns+` FROM bookings WHERE guest_id = ? ORDER BY check_in DESC`, guestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get guest bookings: %w", err)
	}
	return bookings, nil
}

// GetArrivals returns confirmed bookings whose check-in falls in [from, to).
func (db *DB) GetArrivals(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	bookings, err := queryBookings(ctx, db,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE status = 'confirmed' AND check_in >= ? AND check_in < ?
         ORDER BY check_in ASC`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to get arrivals: %w", err)
	}
	return bookings, nil
}

// GetDepartures returns checked-in bookings whose check-out falls in [from, to).
func (db *DB) GetDepartures(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	bookings, err := queryBookings(ctx, db,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE status = 'checked_in' AND check_out >= ? AND check_out < ?
         ORDER BY check_out ASC`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to get departures: %w", err)
	}
	return bookings, nil
}

func (db *DB) GetBookingsByCheckInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	bookings, err := queryBookings(ctx, db,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE check_in >= ? AND check_in < ?
         ORDER BY check_in ASC, id ASC`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to get bookings by check-in range: %w", err)
	}
	return bookings, nil
}

// GetStalePendingBookings returns pending bookings created before the cutoff that have
// no payment attempt started since then.
func (db *DB) GetStalePendingBookings(ctx context.Context, createdBefore time.Time) ([]*models.Booking, error) {
	cutoff := formatTime(createdBefore)
	bookings, err := queryBookings(ctx, db,
		`SELECT `+bookingColumns+` FROM bookings b
         WHERE b.status = 'pending' AND b.created_at < ?
           AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.booking_id = b.id AND p.created_at >= ?)
         ORDER BY b.created_at ASC`,
		cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale pending bookings: %w", err)
	}
	return bookings, nil
}

// TransitionBooking applies a guarded status change. Cancelling also cancels the booking's
// pending payment attempts in the same transaction.
func (db *DB) TransitionBooking(ctx context.Context, t domain.BookingTransition) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	if err := applyTransition(ctx, tx, t, now); err != nil {
		return err
	}
	if t.CancelPendingPayments {
		if err := cancelPendingPayments(ctx, tx, t.BookingID, 0, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking transition: %w", err)
	}
	return nil
}

func applyTransition(ctx context.Context, tx *sql.Tx, t domain.BookingTransition, now time.Time) error {
	var paymentID sql.NullInt64
	if t.PaymentID != nil {
		paymentID = sql.NullInt64{Int64: *t.PaymentID, Valid: true}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE bookings SET
             status = ?,
             payment_id = COALESCE(?, payment_id),
             actual_check_in = COALESCE(?, actual_check_in),
             actual_check_out = COALESCE(?, actual_check_out),
             version = version + 1,
             updated_at = ?
         WHERE id = ? AND status = ? AND version = ?`,
		string(t.ToStatus),
		paymentID,
		nullTime(t.ActualCheckIn),
		nullTime(t.ActualCheckOut),
		formatTime(now),
		t.BookingID,
		string(t.FromStatus),
		t.FromVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings WHERE id = ?`, t.BookingID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check booking: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConcurrentModification
}
