// Package apperr defines the error taxonomy shared by the agent components.
//
// Every error that crosses a component boundary is either an *Error carrying a
// Kind or wraps one. Callers branch on the Kind (via KindOf) rather than on
// message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an error by how the agent reacts to it.
type Kind int

const (
	// KindInternal is a programming or unexpected error.
	KindInternal Kind = iota
	// KindNetwork covers timeouts and offline conditions. Retried by the next sample.
	KindNetwork
	// KindAuth covers 401/403 and expired credentials. Forces re-authentication.
	KindAuth
	// KindSignaling covers registration failures and transport loss.
	KindSignaling
	// KindConference covers bridge failures. Recoverable in place.
	KindConference
	// KindUserInput covers invalid numbers and operations without an active leg.
	KindUserInput
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindSignaling:
		return "signaling"
	case KindConference:
		return "conference"
	case KindUserInput:
		return "user_input"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind onto the status the local control API answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNetwork:
		return http.StatusBadGateway
	case KindAuth:
		return http.StatusUnauthorized
	case KindSignaling:
		return http.StatusServiceUnavailable
	case KindConference:
		return http.StatusConflict
	case KindUserInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Fatal reports whether errors of this kind raise the connection-fatal modal.
func (k Kind) Fatal() bool {
	return k == KindAuth
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "backend.dial"
	Code    string // machine readable detail, e.g. "bridge_not_found"
	Message string
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind and code. An empty code in the
// target matches any code of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// New creates a classified error.
func New(kind Kind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Networkf builds a network error.
func Networkf(op, format string, args ...any) *Error {
	return &Error{Kind: KindNetwork, Op: op, Message: fmt.Sprintf(format, args...)}
}

// UserInputf builds a user input error.
func UserInputf(op, code, format string, args ...any) *Error {
	return &Error{Kind: KindUserInput, Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conferencef builds a conference error.
func Conferencef(op, code, format string, args ...any) *Error {
	return &Error{Kind: KindConference, Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Unclassified context deadlines and net errors count as
// network errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in the chain.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Codes used across packages.
const (
	CodeInvalidNumber   = "invalid_number"
	CodeNoActiveLeg     = "no_active_leg"
	CodeBusy            = "session_busy"
	CodeOnBreak         = "on_break"
	CodeConnectionLost  = "connection_lost"
	CodeConnectionFatal = "connection_fatal"
	CodeBridgeNotFound  = "bridge_not_found"
	CodeDialFailed      = "dial_failed"
	CodeNoParticipants  = "no_participants"
	CodeAlreadyHeld     = "already_held"
	CodeNotHeld         = "not_held"
	CodeConferenceLive  = "conference_live"
	CodeInFlight        = "in_flight"
	CodeRequestTimeout  = "request_timeout"
	CodeNetworkTimeout  = "network_timeout"
	CodeOffline         = "offline"
	CodeTokenExpired    = "token_expired"
	CodeUnauthorized    = "unauthorized"
	CodeRegistration    = "registration_failed"
	CodeTransportClosed = "transport_closed"
	CodeBadResponse     = "bad_response"
	CodeRejected        = "rejected"
	CodeDevice          = "device_unavailable"
)
