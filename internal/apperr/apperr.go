// Package apperr implements the error taxonomy of spec §7.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error categories the core surfaces to callers.
type Kind string

const (
	NotFound              Kind = "not_found"
	ValidationError        Kind = "validation_error"
	PermissionDenied       Kind = "permission_denied"
	Conflict               Kind = "conflict"
	BusinessRuleViolation  Kind = "business_rule_violation"
	ResourceExhausted      Kind = "resource_exhausted"
	ExternalServiceError   Kind = "external_service_error"
	Internal               Kind = "internal"
)

// Error is the single error type the core returns; callers switch on Kind.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(k Kind, msg string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(msg, args...)}
}

func NotFoundf(msg string, args ...any) *Error { return new_(NotFound, msg, args...) }

func Validationf(msg string, args ...any) *Error { return new_(ValidationError, msg, args...) }

func Conflictf(msg string, args ...any) *Error { return new_(Conflict, msg, args...) }

func BusinessRulef(rule, msg string, args ...any) *Error {
	e := new_(BusinessRuleViolation, msg, args...)
	e.Details = map[string]any{"rule": rule}
	return e
}

func ResourceExhaustedf(msg string, args ...any) *Error { return new_(ResourceExhausted, msg, args...) }

func ExternalServicef(cause error, msg string, args ...any) *Error {
	e := new_(ExternalServiceError, msg, args...)
	e.Cause = cause
	return e
}

func Internalf(cause error, msg string, args ...any) *Error {
	e := new_(Internal, msg, args...)
	e.Cause = cause
	return e
}

// PermissionDeniedErr carries the resource and required level, per spec §7.
func PermissionDeniedErr(resource string, resourceID any, required string) *Error {
	return &Error{
		Kind:    PermissionDenied,
		Message: fmt.Sprintf("%s:%v requires %s permission", resource, resourceID, required),
		Details: map[string]any{"resource": resource, "resource_id": resourceID, "required": required},
	}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsNotFound reports whether err is (or wraps) a NotFound Error.
func IsNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == NotFound
}

// IsPermissionDenied reports whether err is (or wraps) a PermissionDenied Error.
func IsPermissionDenied(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == PermissionDenied
}

// HTTPStatus maps a Kind to the status code spec §7 requires.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case ValidationError:
		return http.StatusUnprocessableEntity
	case PermissionDenied:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case BusinessRuleViolation:
		return http.StatusBadRequest
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case ExternalServiceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
