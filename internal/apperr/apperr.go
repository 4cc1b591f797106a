// Package apperr defines the error taxonomy shared by the services and the
// HTTP layer. Every failure a caller can act on is an *Error with a Kind and a
// stable Code; anything else is treated as internal.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so a wrapped copy of a sentinel still satisfies
// errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Withf returns a copy of e with formatted detail appended to the message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = e.Message + ": " + fmt.Sprintf(format, args...)
	return &c
}

// Wrap returns a copy of e carrying cause. The client-facing message is
// unchanged; the cause shows up in Error() and logs only.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// Validation builds a field-level validation error.
func Validation(fields map[string]string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "validation_failed",
		Message: "invalid request",
		Fields:  fields,
	}
}

// External wraps a failed call to a third-party service.
func External(service string, err error) *Error {
	return &Error{
		Kind:    KindExternal,
		Code:    ErrGateway.Code,
		Message: service + " call failed",
		Err:     err,
	}
}

// KindOf reports the taxonomy kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

var (
	ErrNotFound                 = New(KindNotFound, "not_found", "resource not found")
	ErrProductUnavailable       = New(KindConflict, "product_unavailable", "product not found or inactive")
	ErrInsufficientStock        = New(KindConflict, "insufficient_stock", "insufficient stock")
	ErrEmptyCart                = New(KindConflict, "empty_cart", "no active cart with items")
	ErrInvalidStatusTransition  = New(KindConflict, "invalid_status_transition", "illegal status transition")
	ErrPaymentManagedExternally = New(KindConflict, "payment_managed_externally", "payment status is managed by the payment gateway")
	ErrOrderNotPayable          = New(KindConflict, "order_not_payable", "order is not payable")
	ErrPaymentInFlight          = New(KindConflict, "payment_in_flight", "order already has a payment in progress")
	ErrNotRefundable            = New(KindConflict, "not_refundable", "payment is not refundable")
	ErrLockTimeout              = New(KindConflict, "lock_timeout", "resource is busy, retry later")
	ErrGateway                  = New(KindExternal, "gateway_error", "payment gateway call failed")
	ErrEventOutOfOrder          = New(KindConflict, "event_out_of_order", "payment is not yet in a state this event applies to")
)
