package conversation

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conversation package.
var (
	// ErrAuthMissing indicates no API key was supplied or found in the environment.
	ErrAuthMissing = errors.New("conversation: API key is required")

	// ErrConnectTimeout indicates the session acknowledgement did not arrive in time.
	ErrConnectTimeout = errors.New("conversation: connect timed out")

	// ErrTransport indicates a lower-level transport failure.
	ErrTransport = errors.New("conversation: transport failure")

	// ErrNotConnected indicates the manager has no open connection.
	ErrNotConnected = errors.New("conversation: not connected")

	// ErrAlreadyConnected indicates Connect was called on an open connection.
	ErrAlreadyConnected = errors.New("conversation: already connected")

	// ErrConnectionClosed indicates the connection was closed while in use.
	ErrConnectionClosed = errors.New("conversation: connection closed")

	// ErrNoSession indicates Reconnect was called before any successful Connect.
	ErrNoSession = errors.New("conversation: no session to reconnect")

	// ErrRetryTooSoon indicates a reconnect was attempted inside the minimum retry interval.
	ErrRetryTooSoon = errors.New("conversation: retry interval not elapsed")

	// ErrReconnectInFlight indicates another connect attempt is already running.
	ErrReconnectInFlight = errors.New("conversation: connect already in progress")

	// ErrProviderNotSupported indicates the requested provider is not available.
	ErrProviderNotSupported = errors.New("conversation: provider not supported")

	// ErrInvalidMessage indicates a malformed message was received.
	ErrInvalidMessage = errors.New("conversation: invalid message")
)

// ConnectErrorKind classifies connect failures.
type ConnectErrorKind int

const (
	// ConnectTransport is any dial, TLS, or socket failure.
	ConnectTransport ConnectErrorKind = iota
	// ConnectAuthMissing means no credential was available.
	ConnectAuthMissing
	// ConnectTimeout means no acknowledgement arrived within the connect timeout.
	ConnectTimeout
)

// String returns a human-readable kind.
func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectAuthMissing:
		return "auth_missing"
	case ConnectTimeout:
		return "timeout"
	default:
		return "transport"
	}
}

// ConnectError is returned by Connect and Reconnect.
type ConnectError struct {
	// Kind classifies the failure.
	Kind ConnectErrorKind

	// Reason describes why the connection failed.
	Reason string

	// StatusCode is the HTTP status of a rejected upgrade, if any.
	StatusCode int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("conversation: connect %s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("conversation: connect %s: %s", e.Kind, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *ConnectError) Is(target error) bool {
	switch e.Kind {
	case ConnectAuthMissing:
		return target == ErrAuthMissing
	case ConnectTimeout:
		return target == ErrConnectTimeout
	default:
		return target == ErrTransport
	}
}

// IsRetryable returns true if a later attempt may succeed.
func (e *ConnectError) IsRetryable() bool {
	if e.Kind == ConnectAuthMissing {
		return false
	}
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return false
	}
	return true
}

func newConnectError(kind ConnectErrorKind, reason string, cause error) *ConnectError {
	return &ConnectError{Kind: kind, Reason: reason, Cause: cause}
}

// SendError wraps a failed outbound message.
type SendError struct {
	// Op is the wire operation, e.g. "append" or "commit".
	Op string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("conversation: send %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// APIError is an error event reported by the server.
type APIError struct {
	// Code is the machine-readable error code, e.g. "invalid_value".
	Code string

	// Message is the human-readable error message.
	Message string

	// Type is the error category.
	Type string

	// Param names the offending parameter, if any.
	Param string

	// EventID is the client event the server is complaining about.
	EventID string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("conversation: API error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("conversation: API error: %s", e.Message)
}

// Recoverable reports whether the error only concerns the input buffer and
// the connection should carry on.
func (e *APIError) Recoverable() bool {
	return e.Code == CodeCommitEmpty || e.Code == CodeInvalidValue
}

// Error codes the server sends for input buffer problems.
const (
	CodeCommitEmpty  = "input_audio_buffer_commit_empty"
	CodeInvalidValue = "invalid_value"
)

// Error checking helpers.

// IsNotConnected returns true if the error indicates no connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed)
}

// IsRecoverable returns true for server errors that must not end the session.
func IsRecoverable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Recoverable()
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return true
	}
	return errors.Is(err, ErrRetryTooSoon) || errors.Is(err, ErrConnectionClosed)
}
