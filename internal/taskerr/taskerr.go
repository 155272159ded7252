// Package taskerr classifies failures of the orchestration engine.
package taskerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the broad class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers requests rejected before they reach the queue.
	KindValidation
	// KindExecution means the executor returned a failure.
	KindExecution
	// KindTimeout is an execution failure caused by the task deadline.
	KindTimeout
	// KindDelivery is a transport failure while sending a chat message.
	KindDelivery
	// KindStore wraps persistence failures; the attempted transition did not happen.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindDelivery:
		return "delivery"
	case KindStore:
		return "store"
	}
	return "unknown"
}

// Error codes stored alongside task errors.
const (
	CodeTimeout   = "timeout"
	CodeOrphaned  = "orphaned"
	CodeCancelled = "cancelled"
	CodeNoRunner  = "no_executor"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind (and Code when the target sets one), so
// errors.Is(err, &taskerr.Error{Kind: taskerr.KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

func Execution(op string, err error) error {
	return &Error{Kind: KindExecution, Op: op, Err: err}
}

func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Op: op, Err: err}
}

func Delivery(op string, err error) error {
	return &Error{Kind: KindDelivery, Op: op, Err: err}
}

func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// KindOf classifies err. A context deadline counts as a timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// CodeOf returns the code of the outermost classified error, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
