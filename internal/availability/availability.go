// Package availability decides whether a room is free for a stay. Availability
// is always derived from booking rows in a blocking status; nothing is stored.
package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"hotelbooking/internal/models"
)

// Overlaps reports whether [a, b) and [c, d) intersect. Back-to-back stays do not.
func Overlaps(a, b, c, d time.Time) bool {
	return a.Before(d) && c.Before(b)
}

// Conflicts returns the ids of blocking bookings on roomID that overlap [checkIn, checkOut).
func Conflicts(existing []*models.Booking, roomID int64, checkIn, checkOut time.Time) []int64 {
	var ids []int64
	for _, b := range existing {
		if b == nil || b.RoomID != roomID || !b.Status.IsBlocking() {
			continue
		}
		if Overlaps(checkIn, checkOut, b.CheckIn, b.CheckOut) {
			ids = append(ids, b.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsFree reports whether the room has no blocking booking overlapping the stay.
func IsFree(existing []*models.Booking, roomID int64, checkIn, checkOut time.Time) bool {
	return len(Conflicts(existing, roomID, checkIn, checkOut)) == 0
}

// BookingSource returns blocking bookings that may overlap the range.
type BookingSource interface {
	GetBlockingBookings(ctx context.Context, roomID int64, from, to time.Time) ([]*models.Booking, error)
	GetBlockingBookingsInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
}

// Index answers availability questions against the store.
type Index struct {
	source BookingSource
}

// NewIndex reads bookings from source on every query.
func NewIndex(source BookingSource) *Index {
	return &Index{source: source}
}

// Conflicts returns the ids of the room's blocking bookings that overlap the stay.
func (i *Index) Conflicts(ctx context.Context, roomID int64, checkIn, checkOut time.Time) ([]int64, error) {
	bookings, err := i.source.GetBlockingBookings(ctx, roomID, checkIn, checkOut)
	if err != nil {
		return nil, fmt.Errorf("load bookings for room %d: %w", roomID, err)
	}
	return Conflicts(bookings, roomID, checkIn, checkOut), nil
}

// IsFree reports whether the room can take the stay.
func (i *Index) IsFree(ctx context.Context, roomID int64, checkIn, checkOut time.Time) (bool, error) {
	ids, err := i.Conflicts(ctx, roomID, checkIn, checkOut)
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

// FreeRooms filters rooms down to those with no blocking overlap in the range.
func (i *Index) FreeRooms(ctx context.Context, rooms []*models.Room, checkIn, checkOut time.Time) ([]*models.Room, error) {
	bookings, err := i.source.GetBlockingBookingsInRange(ctx, checkIn, checkOut)
	if err != nil {
		return nil, fmt.Errorf("load bookings in range: %w", err)
	}

	byRoom := make(map[int64][]*models.Booking)
	for _, b := range bookings {
		byRoom[b.RoomID] = append(byRoom[b.RoomID], b)
	}

	free := make([]*models.Room, 0, len(rooms))
	for _, r := range rooms {
		if IsFree(byRoom[r.ID], r.ID, checkIn, checkOut) {
			free = append(free, r)
		}
	}
	return free, nil
}
