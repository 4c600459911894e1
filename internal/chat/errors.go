package chat

import (
	"errors"
	"fmt"

	"relaychat/internal/stream"
)

// ErrStreamActive is returned by Send, Edit and Regenerate while another
// stream is already running for the conversation. Callers must cancel first.
var ErrStreamActive = errors.New("a stream is already active for this conversation")

// ErrMessageNotFound is returned when an edit, regenerate or delete target
// does not exist in the current view.
var ErrMessageNotFound = errors.New("message not found")

// TransportError wraps a network failure that happened before any stream
// event arrived. The optimistic placeholders are rolled back entirely.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamError reports a terminal error event received mid-stream. The
// assistant placeholder is finalized with the server message; the user
// message stays so it can be retried or edited.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stream error [%s]: %s", e.Code, e.Message)
	}
	return "stream error: " + e.Message
}

// QuotaExceededError is the quota specialization of a stream error. Its
// message is always the fixed user-facing quota text.
type QuotaExceededError struct {
	StreamError
}

// AuthExpiredError is surfaced on a 401 so the caller can prompt for
// re-authentication instead of showing a generic failure.
type AuthExpiredError struct {
	Message string
}

func (e *AuthExpiredError) Error() string { return e.Message }

// classifyStreamFailure maps transport-level errors onto the session error
// taxonomy.
func classifyStreamFailure(err error) error {
	var apiErr *stream.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401:
			return &AuthExpiredError{Message: apiErr.Message}
		case apiErr.Code == stream.CodeQuotaExceeded:
			return &QuotaExceededError{StreamError{Code: apiErr.Code, Message: stream.QuotaExceededMessage}}
		default:
			return &StreamError{Code: apiErr.Code, Message: apiErr.Message}
		}
	}
	var streamErr *stream.StreamError
	if errors.As(err, &streamErr) {
		if streamErr.Code == stream.CodeQuotaExceeded {
			return &QuotaExceededError{StreamError{Code: streamErr.Code, Message: stream.QuotaExceededMessage}}
		}
		return &StreamError{Code: streamErr.Code, Message: streamErr.Message}
	}
	return &TransportError{Err: err}
}
