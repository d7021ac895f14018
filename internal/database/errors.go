package database

import "errors"

var (
	ErrNotFound               = errors.New("record not found")
	ErrRoomUnavailable        = errors.New("room is not available for the requested dates")
	ErrAlreadyResolved        = errors.New("payment is already resolved")
	ErrConcurrentModification = errors.New("booking was modified concurrently")
	ErrDuplicateRoom          = errors.New("room number already exists")
	ErrAlreadyPaid            = errors.New("booking already has a completed payment")
	ErrBookingNotPending      = errors.New("booking is no longer pending")
)
