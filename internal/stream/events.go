// Package stream consumes the backend's server-sent event protocol and turns
// it into a pull-based sequence of typed lifecycle events.
package stream

import "fmt"

// EventType identifies a lifecycle event on the wire.
type EventType string

const (
	EventPing         EventType = "ping"          // keep-alive, no ids assigned yet
	EventStart        EventType = "start"         // server assigned durable ids
	EventReasoning    EventType = "reasoning"     // incremental reasoning delta
	EventThinkingDone EventType = "thinking_done" // reasoning phase complete
	EventChunk        EventType = "chunk"         // incremental answer delta
	EventError        EventType = "error"         // terminal failure
	EventDone         EventType = "done"          // terminal success
)

// Usage carries token accounting reported on the final event.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Event is one decoded frame payload. Fields are populated per type:
// start carries the ids, reasoning/chunk carry Content, done carries the
// final ids plus Content and Usage, error carries Code and Message.
type Event struct {
	Type          EventType `json:"type"`
	ChatID        string    `json:"chatId,omitempty"`
	MessageID     string    `json:"messageId,omitempty"`
	UserMessageID string    `json:"userMessageId,omitempty"`
	Content       string    `json:"content,omitempty"`
	Code          string    `json:"error,omitempty"`
	Message       string    `json:"message,omitempty"`
	Usage         *Usage    `json:"usage,omitempty"`
}

// Error codes the backend is known to report.
const CodeQuotaExceeded = "QUOTA_EXCEEDED"

// StreamError is a terminal failure reported mid-stream by an error event.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "stream error"
}

// APIError is a non-2xx response decoded before any event was received.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}
