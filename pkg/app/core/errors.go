package core

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide between reject, hold,
// retry and fail
type Kind string

const (
	KindValidation           Kind = "validation"
	KindAuthentication       Kind = "authentication"
	KindPaymentPending       Kind = "payment_pending"
	KindPaymentAbsent        Kind = "payment_absent"
	KindMatchConflict        Kind = "match_conflict"
	KindSettlementSubmission Kind = "settlement_submission"
	KindPersistence          Kind = "persistence"
)

var (
	ErrMissingField      = errors.New("missing field")
	ErrNonPositiveAmount = errors.New("amounts must be strictly positive")
	ErrBadSignature      = errors.New("signature verification failed")
	ErrPaymentPending    = errors.New("backing payment not yet confirmed")
	ErrPaymentAbsent     = errors.New("backing payment absent")
	ErrPaymentReused     = errors.New("backing payment already used by another order")
	ErrHoldExpired       = errors.New("backing payment never confirmed")
	ErrMatchConflict     = errors.New("order claimed by a concurrent match")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderClosed       = errors.New("order is filled or cancelled")
	ErrSettlementState   = errors.New("settlement not in expected state")
	ErrNotFound          = errors.New("not found")
)

// Error attaches a Kind to an underlying error
type Error struct {
	Kind Kind
	Err  error
}

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err, or "" when err carries none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrMatchConflict) {
		return KindMatchConflict
	}
	return ""
}

// Persistence wraps a storage failure
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	return NewError(KindPersistence, err)
}
