package models

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

const PaymentMethodVNPay = "vnpay"

type Payment struct {
	ID             int64         `json:"id"`
	BookingID      int64         `json:"booking_id"`
	Amount         int64         `json:"amount"`
	Method         string        `json:"method"`
	Status         PaymentStatus `json:"status"`
	GatewayTxnNo   string        `json:"gateway_txn_no,omitempty"`
	ResponseCode   string        `json:"response_code,omitempty"`
	// RefundRequired is set once the gateway captured money this attempt cannot apply.
	RefundRequired bool          `json:"refund_required,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

func (p *Payment) IsResolved() bool {
	return p.Status != PaymentPending
}
