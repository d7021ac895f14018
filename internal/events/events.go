package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	EventBookingReserved  = "booking_reserved"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingCancelled = "booking_cancelled"
	EventBookingCheckedIn = "booking_checked_in"
	EventBookingCompleted = "booking_completed"
	EventPaymentRequested = "payment_requested"
	EventPaymentFailed    = "payment_failed"
	EventRefundRequired   = "refund_required"
	EventCallbackRejected = "callback_rejected"
)

// All lists every event type the coordinator publishes.
var All = []string{
	EventBookingReserved,
	EventBookingConfirmed,
	EventBookingCancelled,
	EventBookingCheckedIn,
	EventBookingCompleted,
	EventPaymentRequested,
	EventPaymentFailed,
	EventRefundRequired,
	EventCallbackRejected,
}

// BookingEventPayload is the booking snapshot handed to event consumers.
type BookingEventPayload struct {
	BookingID      int64     `json:"booking_id"`
	RoomID         int64     `json:"room_id,omitempty"`
	GuestID        int64     `json:"guest_id,omitempty"`
	PaymentID      int64     `json:"payment_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	CheckIn        time.Time `json:"check_in,omitempty"`
	CheckOut       time.Time `json:"check_out,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish runs every subscriber synchronously and returns their joined errors.
// A failing handler does not stop the rest.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for i, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, fmt.Errorf("%s handler %d: %w", event.Type, i, err))
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(&event)
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}

// DecodeBooking reads a BookingEventPayload back from an event.
func DecodeBooking(event *Event) (BookingEventPayload, error) {
	var p BookingEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return p, nil
}
