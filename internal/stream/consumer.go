package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relaychat/internal/logging"
)

// QuotaExceededMessage is the fixed user-facing text for exhausted quota.
const QuotaExceededMessage = "You have used all available quota."

// AuthExpiredMessage is the fixed user-facing text for a 401.
const AuthExpiredMessage = "Authentication expired. Please sign in again."

// Consumer opens streaming chat requests against the backend.
type Consumer struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// Config holds Consumer construction parameters.
type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// NewConsumer creates a Consumer for the given endpoint and bearer token.
func NewConsumer(cfg Config) *Consumer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Consumer{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Consumer) SetToken(token string) {
	c.token = token
}

// Open issues the streaming POST and returns a Stream of decoded events.
// Non-2xx responses are decoded into *APIError before any event is read.
func (c *Consumer) Open(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?stream=true", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	logging.StreamDebug("opening stream: chat=%s mode=%s history=%d thinking=%v",
		req.ChatID, req.Mode, len(req.History), req.ThinkingEnabled)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	// Backends that predate the SSE rollout answer with a plain JSON
	// completion. Surface it as a single synthetic done event.
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		defer resp.Body.Close()
		logging.StreamWarn("server answered with JSON instead of an event stream")
		event, err := decodeJSONCompletion(resp.Body, req.ChatID)
		if err != nil {
			return nil, err
		}
		return &Stream{pending: []Event{event}}, nil
	}

	return &Stream{
		body:   resp.Body,
		frames: NewFrameReader(resp.Body),
	}, nil
}

// decodeAPIError turns a non-2xx response into an *APIError with the
// user-facing message resolved the same way for every caller.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Status: resp.StatusCode}

	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && (parsed.Error != "" || parsed.Message != "") {
		apiErr.Code = parsed.Error
		apiErr.Message = parsed.Message
		if parsed.Error == CodeQuotaExceeded {
			apiErr.Message = QuotaExceededMessage
		} else if apiErr.Message == "" {
			apiErr.Message = parsed.Error
		}
	} else {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			apiErr.Message = AuthExpiredMessage
		case http.StatusPaymentRequired:
			apiErr.Code = CodeQuotaExceeded
			apiErr.Message = QuotaExceededMessage
		default:
			apiErr.Message = strings.TrimSpace(string(raw))
		}
	}
	if resp.StatusCode == http.StatusUnauthorized && apiErr.Message == "" {
		apiErr.Message = AuthExpiredMessage
	}

	logging.StreamError("stream open rejected: status=%d code=%s", resp.StatusCode, apiErr.Code)
	return apiErr
}

// decodeJSONCompletion reads a one-shot completion body and synthesizes the
// terminal event an SSE stream would have produced.
func decodeJSONCompletion(body io.Reader, chatID string) (Event, error) {
	var payload struct {
		Content string `json:"content"`
		Choices []struct {
			Text    string `json:"text"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return Event{}, fmt.Errorf("failed to decode completion response: %w", err)
	}

	content := payload.Content
	if content == "" && len(payload.Choices) > 0 {
		content = payload.Choices[0].Message.Content
		if content == "" {
			content = payload.Choices[0].Text
		}
	}
	return Event{
		Type:    EventDone,
		ChatID:  chatID,
		Content: content,
		Usage:   payload.Usage,
	}, nil
}

// Stream is one open streaming response. Events are pulled in arrival order
// with Next; the caller must Close when done.
type Stream struct {
	body       io.Closer
	frames     *FrameReader
	pending    []Event
	terminated bool
}

// Next returns the next event. It returns io.EOF when the transport ends
// without a terminal event, and a *StreamError once an error event arrives;
// after either, no further events are produced.
func (s *Stream) Next() (Event, error) {
	if s.terminated {
		return Event{}, io.EOF
	}
	if len(s.pending) > 0 {
		event := s.pending[0]
		s.pending = s.pending[1:]
		if event.Type == EventDone {
			s.terminated = true
		}
		return event, nil
	}
	if s.frames == nil {
		s.terminated = true
		return Event{}, io.EOF
	}

	event, err := s.frames.Next()
	if err != nil {
		s.terminated = true
		return Event{}, err
	}

	switch event.Type {
	case EventError:
		s.terminated = true
		message := event.Message
		if event.Code == CodeQuotaExceeded {
			message = QuotaExceededMessage
		}
		return Event{}, &StreamError{Code: event.Code, Message: message}
	case EventDone:
		s.terminated = true
	}
	return event, nil
}

// Close releases the underlying response body. Safe to call more than once.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
