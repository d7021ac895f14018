package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hotelbooking/internal/domain"
	"hotelbooking/internal/models"
)

const paymentColumns = `id, booking_id, amount, method, status, gateway_txn_no, response_code, refund_required, created_at, resolved_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p        models.Payment
		status   string
		created  string
		resolved sql.NullString
	)
	if err := row.Scan(&p.ID, &p.BookingID, &p.Amount, &p.Method, &status, &p.GatewayTxnNo, &p.ResponseCode, &p.RefundRequired, &created, &resolved); err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)

	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse payment %d created_at: %w", p.ID, err)
	}
	if p.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return nil, fmt.Errorf("parse payment %d resolved_at: %w", p.ID, err)
	}
	return &p, nil
}

// CreatePayment inserts a pending attempt. The booking must still be pending and unpaid
// when the insert commits.
func (db *DB) CreatePayment(ctx context.Context, payment *models.Payment) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var completed int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE booking_id = ? AND status = 'completed'`, payment.BookingID,
	).Scan(&completed)
	if err != nil {
		return fmt.Errorf("failed to check completed payments: %w", err)
	}
	if completed > 0 {
		return ErrAlreadyPaid
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = ?`, payment.BookingID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check booking status: %w", err)
	}
	if models.BookingStatus(status) != models.BookingPending {
		return ErrBookingNotPending
	}

	now := time.Now().UTC().Truncate(time.Second)
	if payment.Method == "" {
		payment.Method = models.PaymentMethodVNPay
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO payments (booking_id, amount, method, status, created_at) VALUES (?, ?, ?, 'pending', ?)`,
		payment.BookingID, payment.Amount, payment.Method, formatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrNotFound
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}

	payment.ID = id
	payment.Status = models.PaymentPending
	payment.CreatedAt = now
	payment.ResolvedAt = nil
	return nil
}

func (db *DB) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	p, err := scanPayment(db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (db *DB) GetPaymentsByBooking(ctx context.Context, bookingID int64) ([]*models.Payment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE booking_id = ? ORDER BY created_at ASC, id ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments by booking: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

func (db *DB) HasCompletedPayment(ctx context.Context, bookingID int64) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE booking_id = ? AND status = 'completed'`, bookingID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check completed payment: %w", err)
	}
	return count > 0, nil
}

// ResolvePayment settles a pending attempt exactly once. The payment update, the optional
// booking transition and the sibling cancellation commit together or not at all.
func (db *DB) ResolvePayment(ctx context.Context, r domain.PaymentResolution) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var bookingID int64
	err = tx.QueryRowContext(ctx, `SELECT booking_id FROM payments WHERE id = ?`, r.PaymentID).Scan(&bookingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load payment: %w", err)
	}

	resolvedAt := r.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, gateway_txn_no = ?, response_code = ?, resolved_at = ?
         WHERE id = ? AND status = 'pending'`,
		string(r.Status), r.GatewayTxnNo, r.ResponseCode, formatTime(resolvedAt), r.PaymentID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyPaid
		}
		return fmt.Errorf("failed to resolve payment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAlreadyResolved
	}

	cancelSiblings := r.CancelSiblingAttempts
	if r.Booking != nil {
		if r.Booking.BookingID != bookingID {
			return fmt.Errorf("payment %d belongs to booking %d, not %d", r.PaymentID, bookingID, r.Booking.BookingID)
		}
		if err := applyTransition(ctx, tx, *r.Booking, resolvedAt); err != nil {
			return err
		}
		cancelSiblings = cancelSiblings || r.Booking.CancelPendingPayments
	}
	if cancelSiblings {
		if err := cancelPendingPayments(ctx, tx, bookingID, r.PaymentID, resolvedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment resolution: %w", err)
	}
	return nil
}

// FlagRefund marks an attempt whose captured money cannot be applied to its booking.
// A still pending attempt is failed on the way. It reports false when the attempt was
// already flagged, so each attempt asks for a refund once.
func (db *DB) FlagRefund(ctx context.Context, paymentID int64, txnNo, responseCode string, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE payments SET refund_required = 1,
             status = CASE WHEN status = 'pending' THEN 'failed' ELSE status END,
             gateway_txn_no = CASE WHEN gateway_txn_no = '' THEN ? ELSE gateway_txn_no END,
             response_code = CASE WHEN response_code = '' THEN ? ELSE response_code END,
             resolved_at = COALESCE(resolved_at, ?)
         WHERE id = ? AND refund_required = 0`,
		txnNo, responseCode, formatTime(at), paymentID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to flag refund: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return true, nil
	}

	if _, err := db.GetPayment(ctx, paymentID); err != nil {
		return false, err
	}
	return false, nil
}

func cancelPendingPayments(ctx context.Context, tx *sql.Tx, bookingID, exceptID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = 'cancelled', resolved_at = ?
         WHERE booking_id = ? AND status = 'pending' AND id <> ?`,
		formatTime(now), bookingID, exceptID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel pending payments: %w", err)
	}
	return nil
}
