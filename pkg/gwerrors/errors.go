// Package gwerrors defines the error kinds that cross the gateway's external boundary.
// Every failure returned by the core services can be mapped to a stable Kind plus a
// human readable message; transport layers translate kinds into protocol codes.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is a stable, machine-readable error classification
type Kind string

const (
	KindNotFound                  Kind = "not_found"
	KindValidation                Kind = "validation_error"
	KindPolicyBlocked             Kind = "policy_blocked"
	KindUnauthenticated           Kind = "unauthenticated"
	KindUnauthorized              Kind = "unauthorized"
	KindDispatchTimeout           Kind = "dispatch_timeout"
	KindDispatchConnection        Kind = "dispatch_connection_error"
	KindDispatchUpstream          Kind = "dispatch_upstream_error"
	KindFederationHandshakeFailed Kind = "federation_handshake_failed"
	KindConfigReloadFailed        Kind = "config_reload_failed"
	KindConflict                  Kind = "conflict"
	KindCancelled                 Kind = "cancelled"
	KindInternal                  Kind = "internal"
)

// JSON-RPC error codes used for gateway failures
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
	CodePolicyBlocked  = -32000
	CodeAuth           = -32001
	CodeDispatch       = -32002
	CodeConflict       = -32003
)

// FieldError describes a single failing field of a validation error
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Violation carries the details of a policy block raised by a hook
type Violation struct {
	Code        string                 `json:"code"`
	Reason      string                 `json:"reason,omitempty"`
	Description string                 `json:"description,omitempty"`
	Plugin      string                 `json:"plugin,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Error is the structured failure returned by gateway operations
type Error struct {
	Kind      Kind         `json:"kind"`
	Message   string       `json:"message"`
	Fields    []FieldError `json:"fields,omitempty"`
	Violation *Violation   `json:"violation,omitempty"`
	Status    int          `json:"status,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Field+": "+f.Message)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying cause and returns the same error
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New creates an error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that keeps err as its cause
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// NotFound is a shorthand for a not found error
func NotFound(entity, name string) *Error {
	return New(KindNotFound, "%s not found: %s", entity, name)
}

// Validation builds a validation error listing every failing field
func Validation(message string, fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// PolicyBlocked builds a policy error from a hook violation
func PolicyBlocked(v Violation) *Error {
	msg := v.Description
	if msg == "" {
		msg = v.Reason
	}
	if msg == "" {
		msg = "request blocked by policy"
	}
	return &Error{Kind: KindPolicyBlocked, Message: msg, Violation: &v}
}

// Upstream builds an upstream error carrying the HTTP status of the backend
func Upstream(err error, status int) *Error {
	return &Error{Kind: KindDispatchUpstream, Message: fmt.Sprintf("upstream returned status %d", status), Status: status, cause: err}
}

// As returns the gateway error contained in err, if any
func As(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal if err is not a gateway error
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if gwErr, ok := As(err); ok {
		return gwErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a gateway error of the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Public converts any error into a gateway error that is safe to expose.
// Unknown errors lose their internal message.
func Public(err error) *Error {
	if gwErr, ok := As(err); ok {
		return gwErr
	}
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}

// JSONRPCCode maps the error kind to a JSON-RPC error code
func (e *Error) JSONRPCCode() int {
	switch e.Kind {
	case KindNotFound:
		return CodeMethodNotFound
	case KindValidation:
		return CodeInvalidParams
	case KindPolicyBlocked:
		return CodePolicyBlocked
	case KindUnauthenticated, KindUnauthorized:
		return CodeAuth
	case KindDispatchTimeout, KindDispatchConnection, KindDispatchUpstream, KindFederationHandshakeFailed:
		return CodeDispatch
	case KindConflict:
		return CodeConflict
	default:
		return CodeInternal
	}
}

// HTTPStatus maps the error kind to an HTTP status code for the admin API
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindPolicyBlocked, KindUnauthorized:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindDispatchTimeout:
		return http.StatusGatewayTimeout
	case KindDispatchConnection, KindDispatchUpstream, KindFederationHandshakeFailed:
		return http.StatusBadGateway
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
