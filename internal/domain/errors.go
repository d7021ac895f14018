package domain

import (
	"errors"
	"fmt"
)

// ErrLedgerRowMissing is returned by a ledger mirror that has no row for the booking yet.
var ErrLedgerRowMissing = errors.New("ledger row not found")

type NotFoundError struct {
	Resource string
	Err      error
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e NotFoundError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e ValidationError) Error() string {
	if e.Msg != "" && e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

func (e ValidationError) Unwrap() error { return e.Err }

type ConflictError struct {
	Resource string
	Msg      string
	Err      error
}

func (e ConflictError) Error() string {
	switch {
	case e.Msg != "" && e.Resource != "":
		return fmt.Sprintf("%s conflict: %s", e.Resource, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Resource != "":
		return fmt.Sprintf("%s conflict", e.Resource)
	default:
		return "conflict"
	}
}

func (e ConflictError) Unwrap() error { return e.Err }

// AmountMismatchError reports a claimed or paid amount that differs from the booking total.
type AmountMismatchError struct {
	Expected int64
	Claimed  int64
}

func (e AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch: expected %d, got %d", e.Expected, e.Claimed)
}

// AuthenticityError means a gateway payload or result signature did not verify.
type AuthenticityError struct {
	Reason string
}

func (e AuthenticityError) Error() string {
	if e.Reason == "" {
		return "signature verification failed"
	}
	return "signature verification failed: " + e.Reason
}

// StateError is returned for a lifecycle transition that is not allowed.
type StateError struct {
	From  string
	Event string
	Msg   string
}

func (e StateError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("cannot %s booking in status %s: %s", e.Event, e.From, e.Msg)
	}
	return fmt.Sprintf("cannot %s booking in status %s", e.Event, e.From)
}

type InternalError struct {
	Msg string
	Err error
}

func (e InternalError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "internal error"
}

func (e InternalError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func IsAmountMismatch(err error) bool {
	var target AmountMismatchError
	return errors.As(err, &target)
}

func IsAuthenticity(err error) bool {
	var target AuthenticityError
	return errors.As(err, &target)
}

func IsState(err error) bool {
	var target StateError
	return errors.As(err, &target)
}

func IsInternal(err error) bool {
	var target InternalError
	return errors.As(err, &target)
}
