package chat

import (
	"errors"
	"fmt"
)

// ErrStaleResponse marks a fetch result whose target is no longer current.
// It is never surfaced to the UI layer.
var ErrStaleResponse = errors.New("stale response discarded")

// ErrNoConversation is returned by commands that need an open conversation.
var ErrNoConversation = errors.New("no conversation open")

// ValidationError is malformed input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError is a missing or rejected credential. Refreshing the credential
// is the job of an external collaborator.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// NetworkError wraps a transport failure (dial, timeout, reset).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-success response from the remote API.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var n *NetworkError
	return errors.As(err, &n)
}

// IsServer reports whether err is a ServerError.
func IsServer(err error) bool {
	var s *ServerError
	return errors.As(err, &s)
}

// UserMessage renders err as the string shown next to the failed operation.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		var v *ValidationError
		errors.As(err, &v)
		return v.Error()
	case IsAuth(err):
		return "Session expired, please sign in again"
	case IsNetwork(err):
		return "Network error, check your connection"
	case IsServer(err):
		var s *ServerError
		errors.As(err, &s)
		if s.Message != "" {
			return s.Message
		}
		return "Server error"
	default:
		return err.Error()
	}
}
