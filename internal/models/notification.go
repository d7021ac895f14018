package models

const (
	NoticeBookingConfirmed = "booking_confirmed"
	NoticeBookingCancelled = "booking_cancelled"
	NoticePaymentFailed    = "payment_failed"
	NoticeRefundRequired   = "refund_required"
	NoticeGuestCheckedIn   = "guest_checked_in"
	NoticeGuestCheckedOut  = "guest_checked_out"
)

// Notification is a staff-facing message produced after a booking changes state.
type Notification struct {
	Kind      string `json:"kind"`
	BookingID int64  `json:"booking_id"`
	RoomID    int64  `json:"room_id"`
	PaymentID int64  `json:"payment_id,omitempty"`
	Text      string `json:"text"`
}
