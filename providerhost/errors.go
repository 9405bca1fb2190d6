package providerhost

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the ways callTool can fail.
type ErrorKind string

const (
	// ToolNotFound means no entry in the registry matched the requested name.
	ToolNotFound ErrorKind = "ToolNotFound"
	// ProviderUnavailable means the owning provider exists but is not Running.
	ProviderUnavailable ErrorKind = "ProviderUnavailable"
	// ProviderReloading means the call landed during an atomic tool-set swap.
	ProviderReloading ErrorKind = "ProviderReloading"
	// ProviderDisconnected means the connection dropped before a response arrived.
	ProviderDisconnected ErrorKind = "ProviderDisconnected"
	// Timeout means the call's deadline expired before a response arrived.
	Timeout ErrorKind = "Timeout"
	// ProtocolError means the child sent a malformed or unmatched tool_response,
	// or closed the connection mid-frame.
	ProtocolError ErrorKind = "ProtocolError"
	// HandlerError means the provider handler itself reported a failure.
	HandlerError ErrorKind = "HandlerError"
	// HostShutdown means the call was cancelled by a host-wide shutdown.
	HostShutdown ErrorKind = "HostShutdown"
)

// retryable reports whether a caller might reasonably retry a call that
// failed with this kind.
func (k ErrorKind) retryable() bool {
	switch k {
	case Timeout, ProviderReloading:
		return true
	default:
		return false
	}
}

// CallError is the structured error type returned from callTool and from
// the registry/manager APIs that can fail with one of the kinds above.
type CallError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

// NewCallError builds a CallError of the given kind, deriving its message
// from cause when message is empty.
func NewCallError(kind ErrorKind, message string, cause error) *CallError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	if message == "" {
		message = string(kind)
	}
	return &CallError{
		Kind:      kind,
		Message:   message,
		Retryable: kind.retryable(),
		Cause:     cause,
	}
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf extracts the ErrorKind from err, falling back to "" when err is
// not (or does not wrap) a *CallError.
func KindOf(err error) ErrorKind {
	var callErr *CallError
	if errors.As(err, &callErr) && callErr != nil {
		return callErr.Kind
	}
	return ""
}

// NameCollision is returned by the registry when a provider attempts to
// register a tool name already owned by a different provider.
type NameCollision struct {
	Name            string
	OwningProvider  string
	RequestProvider string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("tool %q is owned by provider %q, rejecting registration from %q", e.Name, e.OwningProvider, e.RequestProvider)
}

// MalformedFrame is returned by the frame codec when a delimited chunk is
// not a well-formed JSON object.
type MalformedFrame struct {
	Cause error
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Cause)
}

func (e *MalformedFrame) Unwrap() error { return e.Cause }

// FrameTooLarge is returned by the frame codec when an accumulated buffer
// exceeds the configured ceiling before a delimiter is found.
type FrameTooLarge struct {
	Limit int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("frame exceeds %d byte limit", e.Limit)
}

// ErrUnregisteredTraffic is the close reason used by the Socket Hub when a
// connection sends a non-register frame before binding to a provider.
var ErrUnregisteredTraffic = errors.New("providerhost: connection sent traffic before registering")
