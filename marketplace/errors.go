/*
errors.go - Error taxonomy for the booking-and-settlement engine

PURPOSE:
  Every operation fails with a *Error carrying a stable Kind (for the API
  status code), an optional Reason (for clients that need to tell two
  conflicts apart) and a human-readable Message.

MATCHING:
  Sentinels compare by Kind, and by Reason when the sentinel has one:

    errors.Is(err, ErrConflict)      // any conflict
    errors.Is(err, ErrAlreadyBooked) // only the already-booked conflict

SEE ALSO:
  - api/handlers.go: maps Kind to HTTP status
*/
package marketplace

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindInvalidState      Kind = "invalid_state"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindCalendar          Kind = "calendar"
	KindBookingFailed     Kind = "booking_failed"
	KindCapacity          Kind = "capacity"
	KindConfiguration     Kind = "configuration"
	KindPartialFailure    Kind = "partial_failure"
)

// Error is the structured error returned by every Service operation.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind, and by Reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrSignatureMismatch = &Error{Kind: KindSignatureMismatch}
	ErrCalendar          = &Error{Kind: KindCalendar}
	ErrBookingFailed     = &Error{Kind: KindBookingFailed}
	ErrCapacity          = &Error{Kind: KindCapacity}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrPartialFailure    = &Error{Kind: KindPartialFailure}

	ErrSlotExists              = &Error{Kind: KindConflict, Reason: "slot_exists"}
	ErrAlreadyBooked           = &Error{Kind: KindConflict, Reason: "already_booked"}
	ErrAlreadyPurchased        = &Error{Kind: KindConflict, Reason: "already_purchased"}
	ErrAlreadyRequested        = &Error{Kind: KindConflict, Reason: "already_requested"}
	ErrDuplicateFeedback       = &Error{Kind: KindConflict, Reason: "duplicate_feedback"}
	ErrRefundAlreadyProcessed  = &Error{Kind: KindConflict, Reason: "refund_already_processed"}
	ErrPricingFinalized        = &Error{Kind: KindConflict, Reason: "pricing_finalized"}
	ErrPaymentConsumed         = &Error{Kind: KindConflict, Reason: "payment_consumed"}
	ErrPaymentUnverified       = &Error{Kind: KindValidation, Reason: "payment_unverified"}
	ErrDuplicateIdempotencyKey = &Error{Kind: KindConflict, Reason: "duplicate_idempotency_key"}

	// ErrConcurrentModification is returned by stores when a save carries a
	// stale Version. Safe to retry the whole operation.
	ErrConcurrentModification = &Error{Kind: KindConflict, Reason: "concurrent_modification"}
)

func newError(kind Kind, reason string, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) *Error {
	return newError(KindValidation, "", format, args...)
}

func invalidState(format string, args ...any) *Error {
	return newError(KindInvalidState, "", format, args...)
}

func forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, "", format, args...)
}

// conflict builds a conflict error that still matches its sentinel.
func conflict(sentinel *Error, format string, args ...any) *Error {
	return newError(sentinel.Kind, sentinel.Reason, format, args...)
}

// NotFoundError is returned by stores for a missing entity.
func NotFoundError(entity, id string) *Error {
	return newError(KindNotFound, entity, "%s %s not found", entity, id)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the Kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
