package models

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCheckedIn BookingStatus = "checked_in"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// BlockingStatuses count against room availability.
var BlockingStatuses = []BookingStatus{BookingPending, BookingConfirmed, BookingCheckedIn}

func (s BookingStatus) IsBlocking() bool {
	for _, b := range BlockingStatuses {
		if s == b {
			return true
		}
	}
	return false
}

func (s BookingStatus) IsTerminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

func (s BookingStatus) String() string {
	return string(s)
}

type Booking struct {
	ID             int64         `json:"id"`
	RoomID         int64         `json:"room_id"`
	GuestID        int64         `json:"guest_id"`
	CheckIn        time.Time     `json:"check_in"`
	CheckOut       time.Time     `json:"check_out"`
	NightlyRate    int64         `json:"nightly_rate"`
	TotalPrice     int64         `json:"total_price"`
	Status         BookingStatus `json:"status"`
	ActualCheckIn  *time.Time    `json:"actual_check_in,omitempty"`
	ActualCheckOut *time.Time    `json:"actual_check_out,omitempty"`
	PaymentID      *int64        `json:"payment_id,omitempty"`
	Note           string        `json:"note,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Version        int64         `json:"version"`
}

// Nights counts whole 24h periods of the stay.
func (b *Booking) Nights() int64 {
	return NightsBetween(b.CheckIn, b.CheckOut)
}

// ExpectedTotal is recomputed from the rate copied at creation, never from the room's current rate.
func (b *Booking) ExpectedTotal() int64 {
	return b.Nights() * b.NightlyRate
}

func NightsBetween(checkIn, checkOut time.Time) int64 {
	if !checkOut.After(checkIn) {
		return 0
	}
	return int64(checkOut.Sub(checkIn) / (24 * time.Hour))
}
