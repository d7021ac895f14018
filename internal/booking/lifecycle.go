// Package booking drives a single booking through its lifecycle.
package booking

import (
	"time"

	"hotelbooking/internal/domain"
	"hotelbooking/internal/models"
)

type Trigger string

const (
	PaymentSucceeded Trigger = "confirm"
	PaymentFailed    Trigger = "fail payment for"
	Cancel           Trigger = "cancel"
	HoldExpired      Trigger = "expire"
	GuestArrived     Trigger = "check in"
	GuestDeparted    Trigger = "check out"
)

// Event is a lifecycle input. PaymentID and Amount are read only for PaymentSucceeded.
type Event struct {
	Trigger   Trigger
	PaymentID int64
	Amount    int64
	At        time.Time
}

var transitions = map[models.BookingStatus]map[Trigger]models.BookingStatus{
	models.BookingPending: {
		PaymentSucceeded: models.BookingConfirmed,
		PaymentFailed:    models.BookingCancelled,
		Cancel:           models.BookingCancelled,
		HoldExpired:      models.BookingCancelled,
	},
	models.BookingConfirmed: {
		PaymentFailed: models.BookingCancelled,
		Cancel:        models.BookingCancelled,
		GuestArrived:  models.BookingCheckedIn,
	},
	models.BookingCheckedIn: {
		GuestDeparted: models.BookingCompleted,
	},
	models.BookingCompleted: {},
	models.BookingCancelled: {},
}

// CanFire reports whether the trigger is defined for the status, ignoring guards.
func CanFire(status models.BookingStatus, trigger Trigger) bool {
	_, ok := transitions[status][trigger]
	return ok
}

// Apply returns the booking as it would be after the event. The input is never modified.
func Apply(b *models.Booking, ev Event) (*models.Booking, error) {
	next, ok := transitions[b.Status][ev.Trigger]
	if !ok {
		msg := ""
		if b.Status.IsTerminal() {
			msg = "booking is closed"
		}
		return nil, stateErr(b, ev, msg)
	}

	if err := checkGuard(b, ev); err != nil {
		return nil, err
	}

	out := *b
	out.Status = next
	switch ev.Trigger {
	case PaymentSucceeded:
		id := ev.PaymentID
		out.PaymentID = &id
	case GuestArrived:
		at := ev.At
		out.ActualCheckIn = &at
	case GuestDeparted:
		at := ev.At
		out.ActualCheckOut = &at
	}
	return &out, nil
}

func checkGuard(b *models.Booking, ev Event) error {
	switch ev.Trigger {
	case PaymentSucceeded:
		if ev.PaymentID == 0 {
			return stateErr(b, ev, "payment attempt is required")
		}
		if expected := b.ExpectedTotal(); ev.Amount != expected {
			return domain.AmountMismatchError{Expected: expected, Claimed: ev.Amount}
		}
	case Cancel:
		if !ev.At.Before(b.CheckIn) {
			return stateErr(b, ev, "check-in time has passed")
		}
	case GuestArrived:
		if b.PaymentID == nil || *b.PaymentID == 0 {
			return stateErr(b, ev, "no successful payment is linked")
		}
	case GuestDeparted:
		if b.ActualCheckIn == nil {
			return stateErr(b, ev, "guest has not checked in")
		}
	}
	return nil
}

func stateErr(b *models.Booking, ev Event, msg string) domain.StateError {
	return domain.StateError{From: string(b.Status), Event: string(ev.Trigger), Msg: msg}
}

// Transition turns a before/after pair produced by Apply into a conditional store update.
func Transition(before, after *models.Booking) domain.BookingTransition {
	t := domain.BookingTransition{
		BookingID:   before.ID,
		FromStatus:  before.Status,
		FromVersion: before.Version,
		ToStatus:    after.Status,
	}
	if after.PaymentID != nil && before.PaymentID == nil {
		t.PaymentID = after.PaymentID
	}
	if after.ActualCheckIn != nil && before.ActualCheckIn == nil {
		t.ActualCheckIn = after.ActualCheckIn
	}
	if after.ActualCheckOut != nil && before.ActualCheckOut == nil {
		t.ActualCheckOut = after.ActualCheckOut
	}
	if after.Status == models.BookingCancelled {
		t.CancelPendingPayments = true
	}
	return t
}
