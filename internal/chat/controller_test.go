package chat

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/stream"
)

// fakeStore is an in-memory MessageStore that notifies subscribers
// synchronously after every mutation.
type fakeStore struct {
	mu       sync.Mutex
	messages map[string]Message
	subs     map[int]func([]Message)
	nextSub  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string]Message),
		subs:     make(map[int]func([]Message)),
	}
}

func (s *fakeStore) seed(messages ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range messages {
		s.messages[msg.ID] = msg
	}
}

func (s *fakeStore) snapshotLocked() []Message {
	out := make([]Message, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *fakeStore) notifyLocked() (snapshot []Message, listeners []func([]Message)) {
	snapshot = s.snapshotLocked()
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	return snapshot, listeners
}

func (s *fakeStore) Snapshot(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

func (s *fakeStore) Subscribe(conversationID string, onSnapshot func([]Message)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = onSnapshot
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *fakeStore) Insert(ctx context.Context, msg Message) error {
	s.mu.Lock()
	s.messages[msg.ID] = msg
	snapshot, listeners := s.notifyLocked()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

func (s *fakeStore) Update(ctx context.Context, id string, patch MessagePatch) error {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if ok {
		if patch.Content != nil {
			msg.Content = *patch.Content
		}
		if patch.Status != nil {
			msg.Status = *patch.Status
		}
		s.messages[id] = msg
	}
	snapshot, listeners := s.notifyLocked()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.messages, id)
	snapshot, listeners := s.notifyLocked()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

func (s *fakeStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[id]
	return ok
}

// scriptedStream yields its events in order, then either returns finalErr
// or blocks until the request context is cancelled.
type scriptedStream struct {
	ctx      context.Context
	events   []stream.Event
	finalErr error
	idx      int
}

func (s *scriptedStream) Next() (stream.Event, error) {
	if s.idx < len(s.events) {
		event := s.events[s.idx]
		s.idx++
		return event, nil
	}
	if s.finalErr != nil {
		return stream.Event{}, s.finalErr
	}
	<-s.ctx.Done()
	return stream.Event{}, s.ctx.Err()
}

func (s *scriptedStream) Close() error { return nil }

// scriptOpener hands out one scripted stream per Open call and records the
// outbound requests.
type scriptOpener struct {
	mu       sync.Mutex
	streams  []*scriptedStream
	requests []stream.Request
	openErr  error
}

func (o *scriptOpener) Open(ctx context.Context, req stream.Request) (EventSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.openErr != nil {
		return nil, o.openErr
	}
	s := o.streams[len(o.requests)-1]
	s.ctx = ctx
	return s, nil
}

func (o *scriptOpener) lastRequest() stream.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[len(o.requests)-1]
}

func newTestController(store *fakeStore, opener StreamOpener) *SessionController {
	return NewSessionController(store, opener, Options{Mode: "balanced", Model: "test-model"})
}

func seedConversation(t *testing.T, store *fakeStore, base time.Time) []Message {
	t.Helper()
	messages := []Message{
		{ID: "u1", ConversationID: "c1", Role: RoleUser, Content: "first question", Status: StatusSent, CreatedAt: base},
		{ID: "a1", ConversationID: "c1", Role: RoleAssistant, Content: "first answer", Status: StatusSent, CreatedAt: base.Add(time.Second)},
		{ID: "u2", ConversationID: "c1", Role: RoleUser, Content: "second question", Status: StatusSent, CreatedAt: base.Add(2 * time.Second)},
		{ID: "a2", ConversationID: "c1", Role: RoleAssistant, Content: "second answer", Status: StatusSent, CreatedAt: base.Add(3 * time.Second)},
	}
	store.seed(messages...)
	return messages
}

func TestSendHappyPath(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a1", UserMessageID: "u1"},
			{Type: stream.EventChunk, Content: "4"},
			{Type: stream.EventDone, ChatID: "c1", MessageID: "a1", Content: "4",
				Usage: &stream.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}},
		},
		finalErr: io.EOF,
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	// Content growth must be monotonic across every observed view.
	var contentHistory []string
	controller.SetOnChange(func(view []Message) {
		for _, msg := range view {
			if msg.ID == "a1" || (msg.Role == RoleAssistant && IsTransientID(msg.ID)) {
				contentHistory = append(contentHistory, msg.Content)
			}
		}
	})

	require.NoError(t, controller.Send(context.Background(), "What is 2+2?", nil))

	view := controller.View()
	require.Len(t, view, 2)
	assert.Equal(t, "u1", view[0].ID)
	assert.Equal(t, RoleUser, view[0].Role)
	assert.Equal(t, "What is 2+2?", view[0].Content)
	assert.Equal(t, "a1", view[1].ID)
	assert.Equal(t, RoleAssistant, view[1].Role)
	assert.Equal(t, "4", view[1].Content)
	assert.Equal(t, StatusSent, view[1].Status)
	assert.False(t, view[1].IsPlaceholder)
	require.NotNil(t, view[1].Usage)
	assert.Equal(t, 6, view[1].Usage.TotalTokens)

	assert.Equal(t, "c1", controller.ConversationID())
	assert.True(t, store.has("u1"))
	assert.True(t, store.has("a1"))

	for i := 1; i < len(contentHistory); i++ {
		assert.GreaterOrEqual(t, len(contentHistory[i]), len(contentHistory[i-1]),
			"content must never shrink while streaming")
	}

	// No duplicate ids in any merged view.
	seen := make(map[string]bool)
	for _, msg := range view {
		assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
	}
}

func TestSendWithThinking(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a1", UserMessageID: "u1"},
			{Type: stream.EventReasoning, Content: "Let's"},
			{Type: stream.EventReasoning, Content: " think"},
			{Type: stream.EventThinkingDone},
			{Type: stream.EventChunk, Content: "42"},
			{Type: stream.EventDone, ChatID: "c1", MessageID: "a1", Content: "42"},
		},
		finalErr: io.EOF,
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	require.NoError(t, controller.Send(context.Background(), "meaning of life?", nil))

	view := controller.View()
	require.Len(t, view, 2)
	assistant := view[1]
	assert.Equal(t, "42", assistant.Content)
	require.Len(t, assistant.ReasoningSegments, 1)
	assert.Equal(t, "Let's think", assistant.ReasoningSegments[0].Content)
	assert.False(t, assistant.ReasoningSegments[0].IsLive)
}

func TestSendFallbackFinalization(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a1", UserMessageID: "u1"},
			{Type: stream.EventChunk, Content: "partial "},
			{Type: stream.EventChunk, Content: "answer"},
		},
		finalErr: io.EOF, // stream ends without a done event
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	require.NoError(t, controller.Send(context.Background(), "hello", nil))

	view := controller.View()
	require.Len(t, view, 2)
	assert.Equal(t, "partial answer", view[1].Content)
	assert.Equal(t, StatusSent, view[1].Status)
	assert.True(t, store.has("a1"))
}

func TestSendEmptyStreamIsError(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events:   []stream.Event{{Type: stream.EventPing}},
		finalErr: io.EOF,
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	err := controller.Send(context.Background(), "hello", nil)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
}

func TestCancelKeepsPartialContent(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a1", UserMessageID: "u1"},
			{Type: stream.EventChunk, Content: "partial text"},
		},
		// No finalErr: blocks until cancelled.
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	contentSeen := make(chan struct{})
	var once sync.Once
	controller.SetOnChange(func(view []Message) {
		for _, msg := range view {
			if msg.Content == "partial text" {
				once.Do(func() { close(contentSeen) })
			}
		}
	})

	done := make(chan error, 1)
	go func() { done <- controller.Send(context.Background(), "tell me everything", nil) }()

	select {
	case <-contentSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("never saw streamed content")
	}
	controller.Cancel()
	controller.Cancel() // idempotent

	require.NoError(t, <-done)

	view := controller.View()
	require.Len(t, view, 2)
	assistant := view[1]
	assert.Equal(t, "partial text", assistant.Content)
	assert.True(t, assistant.WasStopped)
	assert.True(t, assistant.Status.Terminal())
}

func TestCancelWithoutActiveStreamIsNoop(t *testing.T) {
	controller := newTestController(newFakeStore(), &scriptOpener{})
	controller.Cancel()
	controller.Close()
}

func TestSendRejectedWhileStreamActive(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a1", UserMessageID: "u1"},
		},
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	started := make(chan struct{})
	var once sync.Once
	controller.SetOnChange(func([]Message) {
		once.Do(func() { close(started) })
	})

	done := make(chan error, 1)
	go func() { done <- controller.Send(context.Background(), "first", nil) }()
	<-started

	err := controller.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrStreamActive)

	controller.Cancel()
	require.NoError(t, <-done)
}

func TestStreamErrorKeepsUserMessage(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a1", UserMessageID: "u1"},
		},
		finalErr: &stream.StreamError{Code: "INTERNAL", Message: "backend exploded"},
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	err := controller.Send(context.Background(), "hello", nil)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "INTERNAL", streamErr.Code)

	view := controller.View()
	require.Len(t, view, 2)
	assert.Equal(t, RoleUser, view[0].Role)
	assert.Equal(t, "hello", view[0].Content)
	assert.Equal(t, StatusError, view[1].Status)
}

func TestQuotaErrorIsDistinguished(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		finalErr: &stream.StreamError{Code: stream.CodeQuotaExceeded, Message: stream.QuotaExceededMessage},
	}}}
	controller := newTestController(store, opener)
	defer controller.Close()

	err := controller.Send(context.Background(), "hello", nil)
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, stream.QuotaExceededMessage, quotaErr.Message)
}

func TestTransportErrorOnOpen(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{openErr: errors.New("connection refused")}
	controller := newTestController(store, opener)
	defer controller.Close()

	err := controller.Send(context.Background(), "hello", nil)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)

	view := controller.View()
	require.Len(t, view, 2)
	assert.Equal(t, RoleUser, view[0].Role)
	assert.Equal(t, StatusError, view[1].Status)
}

func TestAuthExpiredOnOpen(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{openErr: &stream.APIError{Status: 401, Message: stream.AuthExpiredMessage}}
	controller := newTestController(store, opener)
	defer controller.Close()

	err := controller.Send(context.Background(), "hello", nil)
	var authErr *AuthExpiredError
	require.ErrorAs(t, err, &authErr)
}

func TestSendMigratesTransientUserRow(t *testing.T) {
	store := newFakeStore()
	base := time.Now().Add(-time.Hour)
	seedConversation(t, store, base)

	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a3", UserMessageID: "u3"},
			{Type: stream.EventChunk, Content: "ok"},
			{Type: stream.EventDone, ChatID: "c1", MessageID: "a3", Content: "ok"},
		},
		finalErr: io.EOF,
	}}}
	controller := newTestController(store, opener)
	require.NoError(t, controller.Attach(context.Background(), "c1"))
	defer controller.Close()

	require.NoError(t, controller.Send(context.Background(), "third question", nil))

	// The durable row written before the stream opened is rekeyed to the
	// server id; no transient row survives.
	assert.True(t, store.has("u3"))
	store.mu.Lock()
	for id := range store.messages {
		assert.False(t, IsTransientID(id), "transient row %s left behind", id)
	}
	store.mu.Unlock()

	view := controller.View()
	require.Len(t, view, 6)
	assert.Equal(t, "u3", view[4].ID)
	assert.Equal(t, "third question", view[4].Content)
	assert.Equal(t, "a3", view[5].ID)
}

func TestSendCarriesBillingTag(t *testing.T) {
	store := newFakeStore()
	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a1", UserMessageID: "u1"},
			{Type: stream.EventDone, ChatID: "c1", MessageID: "a1", Content: "hi"},
		},
		finalErr: io.EOF,
	}}}
	controller := NewSessionController(store, opener, Options{Mode: "balanced", Model: "test-model", BillingTag: "CHAT"})
	defer controller.Close()

	require.NoError(t, controller.Send(context.Background(), "hello", nil))
	assert.Equal(t, "CHAT", opener.lastRequest().BillingTag)
}

func TestDeleteTombstonesImmediately(t *testing.T) {
	store := newFakeStore()
	base := time.Now().Add(-time.Hour)
	seedConversation(t, store, base)

	controller := newTestController(store, &scriptOpener{})
	require.NoError(t, controller.Attach(context.Background(), "c1"))

	controller.Delete(context.Background(), "a2")

	// Hidden at once, before the store delete necessarily completed.
	for _, msg := range controller.View() {
		assert.NotEqual(t, "a2", msg.ID)
	}

	controller.Close()
	assert.False(t, store.has("a2"))
	for _, msg := range controller.View() {
		assert.NotEqual(t, "a2", msg.ID)
	}
}

func TestEditTruncatesThenResends(t *testing.T) {
	store := newFakeStore()
	base := time.Now().Add(-time.Hour)
	seedConversation(t, store, base)

	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a3", UserMessageID: "u3"},
			{Type: stream.EventChunk, Content: "new answer"},
			{Type: stream.EventDone, ChatID: "c1", MessageID: "a3", Content: "new answer"},
		},
		finalErr: io.EOF,
	}}}
	controller := newTestController(store, opener)
	require.NoError(t, controller.Attach(context.Background(), "c1"))
	defer controller.Close()

	require.NoError(t, controller.Edit(context.Background(), "u2", "better question"))

	// u2 and a2 cascade-deleted from the store.
	assert.False(t, store.has("u2"))
	assert.False(t, store.has("a2"))

	// History sent with the conversation truncated to before the edit.
	req := opener.lastRequest()
	assert.Equal(t, "better question", req.Prompt)
	require.Len(t, req.History, 2)
	assert.Equal(t, "first question", req.History[0].Content)
	assert.Equal(t, "first answer", req.History[1].Content)

	view := controller.View()
	require.Len(t, view, 4)
	assert.Equal(t, "u3", view[2].ID)
	assert.Equal(t, "better question", view[2].Content)
	assert.Equal(t, "a3", view[3].ID)
	assert.Equal(t, "new answer", view[3].Content)
}

func TestRegenerateKeepsUserMessage(t *testing.T) {
	store := newFakeStore()
	base := time.Now().Add(-time.Hour)
	seedConversation(t, store, base)

	opener := &scriptOpener{streams: []*scriptedStream{{
		events: []stream.Event{
			{Type: stream.EventStart, ChatID: "c1", MessageID: "a3"},
			{Type: stream.EventChunk, Content: "regenerated"},
			{Type: stream.EventDone, ChatID: "c1", MessageID: "a3", Content: "regenerated"},
		},
		finalErr: io.EOF,
	}}}
	controller := newTestController(store, opener)
	require.NoError(t, controller.Attach(context.Background(), "c1"))
	defer controller.Close()

	require.NoError(t, controller.Regenerate(context.Background(), "a2"))

	// a2 deleted, u2 retained.
	assert.False(t, store.has("a2"))
	assert.True(t, store.has("u2"))

	req := opener.lastRequest()
	assert.Equal(t, "second question", req.Prompt)
	assert.True(t, req.SkipUserInsert)
	assert.Equal(t, "u2", req.RegenOfUserID)
	assert.Equal(t, "CHAT_REGEN", req.BillingTag)
	require.Len(t, req.History, 2)
	assert.Equal(t, "first question", req.History[0].Content)

	view := controller.View()
	require.Len(t, view, 4)
	assert.Equal(t, "u2", view[2].ID)
	assert.Equal(t, "a3", view[3].ID)
	assert.Equal(t, "regenerated", view[3].Content)
}

func TestRegenerateRejectsNonAssistant(t *testing.T) {
	store := newFakeStore()
	seedConversation(t, store, time.Now().Add(-time.Hour))

	controller := newTestController(store, &scriptOpener{})
	require.NoError(t, controller.Attach(context.Background(), "c1"))
	defer controller.Close()

	assert.ErrorIs(t, controller.Regenerate(context.Background(), "u2"), ErrMessageNotFound)
	assert.ErrorIs(t, controller.Regenerate(context.Background(), "missing"), ErrMessageNotFound)
}

func TestCascadeDeleteTruncation(t *testing.T) {
	store := newFakeStore()
	base := time.Now().Add(-time.Hour)
	messages := seedConversation(t, store, base)

	controller := newTestController(store, &scriptOpener{})
	require.NoError(t, controller.Attach(context.Background(), "c1"))
	defer controller.Close()

	// Cascade from index 1: exactly one message remains.
	require.NoError(t, controller.cascadeDelete(context.Background(), messages[1:]))
	view := controller.View()
	require.Len(t, view, 1)
	assert.Equal(t, "u1", view[0].ID)
}
