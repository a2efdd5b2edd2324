// Package serviceerror carries coded, classified errors from services to the HTTP layer.
package serviceerror

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Kind classifies a failure for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a service failure identified by a dotted code such as
// "orders.cancel.not_found".
type Error struct {
	code    string
	reason  string
	message string
	kind    Kind
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

// Reason is the last segment of the code.
func (e *Error) Reason() string {
	return e.reason
}

func (e *Error) Kind() Kind {
	return e.kind
}

// Message is text safe to show to the caller, empty when none was attached.
func (e *Error) Message() string {
	return e.message
}

// New builds an Error whose code is operation + "." + reason.
func New(operation, reason string, kind Kind, cause error) error {
	return &Error{
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		kind:   kind,
		err:    cause,
	}
}

// WithMessage attaches a caller-facing message to the service error in err's
// chain. Errors without a service error are returned unchanged.
func WithMessage(err error, message string) error {
	serviceErr, ok := As(err)
	if !ok {
		return err
	}
	annotated := *serviceErr
	annotated.message = message
	return &annotated
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr, true
	}
	return nil, false
}

// KindOf reports the kind of err, KindInternal when it is not a service error.
func KindOf(err error) Kind {
	if serviceErr, ok := As(err); ok {
		return serviceErr.kind
	}
	return KindInternal
}

// Is reports whether err is a service error of kind.
func Is(err error, kind Kind) bool {
	serviceErr, ok := As(err)
	return ok && serviceErr.kind == kind
}

// Log records a failed operation with the operation and reason fields services share.
func Log(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("service error", attrs...)
}
