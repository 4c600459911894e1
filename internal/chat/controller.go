package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaychat/internal/logging"
	"relaychat/internal/stream"
)

// MessageStore is the durable, ordered message collection the controller
// reconciles against. All operations are asynchronous and eventually
// consistent; the subscription re-emits a full ordered snapshot on every
// change.
type MessageStore interface {
	Snapshot(ctx context.Context, conversationID string) ([]Message, error)
	Subscribe(conversationID string, onSnapshot func([]Message)) (unsubscribe func())
	Insert(ctx context.Context, msg Message) error
	Update(ctx context.Context, id string, patch MessagePatch) error
	Delete(ctx context.Context, id string) error
}

// ConversationStore persists conversation metadata. Optional; a controller
// without one simply skips metadata upkeep.
type ConversationStore interface {
	UpsertConversation(ctx context.Context, conv Conversation) error
}

// EventSource is one open stream of typed events.
type EventSource interface {
	Next() (stream.Event, error)
	Close() error
}

// StreamOpener opens one streaming request per send or regenerate.
type StreamOpener interface {
	Open(ctx context.Context, req stream.Request) (EventSource, error)
}

// consumerOpener adapts *stream.Consumer to the StreamOpener interface.
type consumerOpener struct {
	consumer *stream.Consumer
}

func (o consumerOpener) Open(ctx context.Context, req stream.Request) (EventSource, error) {
	return o.consumer.Open(ctx, req)
}

// NewConsumerOpener wraps a stream.Consumer for use as a StreamOpener.
func NewConsumerOpener(c *stream.Consumer) StreamOpener {
	return consumerOpener{consumer: c}
}

// Options configures per-conversation request behavior.
type Options struct {
	Mode               string
	Model              string
	SystemPrompt       string
	ThinkingEnabled    bool
	MemoryReadEnabled  bool
	MemoryWriteEnabled bool
	BillingTag         string
}

// regenBillingTag overrides the configured billing tag on regenerated sends
// so the backend can meter them separately.
const regenBillingTag = "CHAT_REGEN"

// activeStream is the bookkeeping for the single in-flight stream.
type activeStream struct {
	cancel      context.CancelFunc
	cancelled   bool
	userID      string
	assistantID string
	reasoning   *ReasoningBuffer
}

// SessionController owns one conversation's reconciliation state: the
// pending overlay, the tombstone set, the latest store snapshot and the
// single active stream. All mutation happens under mu; the merged view is
// recomputed from the three inputs on every read.
type SessionController struct {
	store         MessageStore
	conversations ConversationStore
	opener        StreamOpener
	history       HistoryBuilder
	opts          Options
	now           func() time.Time

	mu             sync.Mutex
	conversationID string
	snapshot       []Message
	overlay        *PendingOverlay
	tombstones     *TombstoneSet
	active         *activeStream
	unsubscribe    func()
	onChange       func([]Message)

	wg sync.WaitGroup
}

// NewSessionController builds a controller over the given store and opener.
func NewSessionController(store MessageStore, opener StreamOpener, opts Options) *SessionController {
	return &SessionController{
		store:      store,
		opener:     opener,
		history:    HistoryBuilder{SystemPrompt: opts.SystemPrompt},
		opts:       opts,
		now:        time.Now,
		overlay:    NewPendingOverlay(),
		tombstones: NewTombstoneSet(),
	}
}

// SetConversationStore enables conversation metadata upkeep.
func (c *SessionController) SetConversationStore(cs ConversationStore) {
	c.conversations = cs
}

// SetOnChange registers a listener invoked with the merged view after every
// visible state transition. The slice passed to fn is a fresh copy.
func (c *SessionController) SetOnChange(fn func([]Message)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Attach binds the controller to an existing conversation: it loads the
// current snapshot and subscribes to change notifications.
func (c *SessionController) Attach(ctx context.Context, conversationID string) error {
	snapshot, err := c.store.Snapshot(ctx, conversationID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.conversationID = conversationID
	c.snapshot = snapshot
	c.mu.Unlock()

	c.subscribe(conversationID)
	logging.Session("attached to conversation %s: %d messages", conversationID, len(snapshot))
	return nil
}

func (c *SessionController) subscribe(conversationID string) {
	unsub := c.store.Subscribe(conversationID, c.applySnapshot)
	c.mu.Lock()
	c.unsubscribe = unsub
	c.mu.Unlock()
}

// ConversationID returns the bound conversation id, empty before the first
// send of a new chat completes its start event.
func (c *SessionController) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// View returns the merged conversation as currently visible.
func (c *SessionController) View() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MergeView(c.snapshot, c.overlay, c.tombstones)
}

// applySnapshot is the store subscription callback. It may fire at any
// time, including mid-stream; confirmed overlay entries are retired here so
// MergeView itself stays pure.
func (c *SessionController) applySnapshot(snapshot []Message) {
	c.mu.Lock()
	c.snapshot = snapshot
	c.retireConfirmedLocked()
	c.mu.Unlock()
	c.notify()
}

// retireConfirmedLocked drops overlay entries the store has caught up with.
// A streaming entry is never retired; its local content is ahead of the
// store by definition. Entries owned by the active stream are kept until it
// finishes so the start-event id swap still finds them.
func (c *SessionController) retireConfirmedLocked() {
	for _, stored := range c.snapshot {
		pending, ok := c.overlay.Get(stored.ID)
		if !ok {
			continue
		}
		if pending.Status == StatusStreaming {
			continue
		}
		if c.active != nil && (stored.ID == c.active.userID || stored.ID == c.active.assistantID) {
			continue
		}
		if len(stored.Content) >= len(pending.Content) {
			c.overlay.Remove(stored.ID)
		}
	}
	for _, pending := range c.overlay.Ordered() {
		if c.active != nil && (pending.ID == c.active.userID || pending.ID == c.active.assistantID) {
			continue
		}
		if pending.Role == RoleUser && pending.IsPlaceholder &&
			matchesStoredUser(pending, c.snapshot, c.tombstones) {
			c.overlay.Remove(pending.ID)
		}
	}
}

func (c *SessionController) notify() {
	c.mu.Lock()
	fn := c.onChange
	var view []Message
	if fn != nil {
		view = MergeView(c.snapshot, c.overlay, c.tombstones)
	}
	c.mu.Unlock()
	if fn != nil {
		fn(view)
	}
}

// ============================================================================
// Send / Edit / Regenerate
// ============================================================================

// Send submits a new prompt. It blocks until the stream reaches a terminal
// state and returns exactly one outcome: nil on success or cancellation, a
// typed error otherwise. While a stream is active further sends are
// rejected with ErrStreamActive.
func (c *SessionController) Send(ctx context.Context, prompt string, attachments []stream.Attachment) error {
	history := c.history.Build(c.View())
	return c.send(ctx, sendRequest{
		prompt:      prompt,
		history:     history,
		attachments: attachments,
	})
}

// Edit replaces the message at the target's position: every message from it
// to the end of the conversation is cascade-deleted, then the new text is
// sent with the truncated conversation as history.
func (c *SessionController) Edit(ctx context.Context, messageID, newText string) error {
	if c.streamActive() {
		return ErrStreamActive
	}
	view := c.View()
	idx := indexOf(view, messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}

	logging.Session("edit %s: truncating %d of %d messages", messageID, len(view)-idx, len(view))
	if err := c.cascadeDelete(ctx, view[idx:]); err != nil {
		logging.SessionWarn("edit cascade delete incomplete: %v", err)
	}
	return c.send(ctx, sendRequest{
		prompt:  newText,
		history: c.history.Build(view[:idx]),
	})
}

// Regenerate discards the targeted assistant message and everything after
// it, then resends the nearest preceding user message with the conversation
// before it as history. The user message itself is kept; the request is
// flagged so the server does not insert it again.
func (c *SessionController) Regenerate(ctx context.Context, assistantMessageID string) error {
	if c.streamActive() {
		return ErrStreamActive
	}
	view := c.View()
	idx := indexOf(view, assistantMessageID)
	if idx < 0 || view[idx].Role != RoleAssistant {
		return ErrMessageNotFound
	}
	userIdx := -1
	for i := idx - 1; i >= 0; i-- {
		if view[i].Role == RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return ErrMessageNotFound
	}
	user := view[userIdx]

	logging.Session("regenerate %s from user %s", assistantMessageID, user.ID)
	if err := c.cascadeDelete(ctx, view[userIdx+1:]); err != nil {
		logging.SessionWarn("regenerate cascade delete incomplete: %v", err)
	}
	return c.send(ctx, sendRequest{
		prompt:         user.Content,
		history:        c.history.Build(view[:userIdx]),
		skipUserInsert: true,
		regenOfUserID:  user.ID,
		attachments:    user.Attachments,
		billingTag:     regenBillingTag,
	})
}

type sendRequest struct {
	prompt         string
	history        []stream.HistoryEntry
	attachments    []stream.Attachment
	skipUserInsert bool
	regenOfUserID  string
	billingTag     string
}

func (c *SessionController) streamActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func indexOf(messages []Message, id string) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

// send runs the full streaming pipeline: optimistic placeholders, stream
// open, event application, finalization.
func (c *SessionController) send(ctx context.Context, req sendRequest) error {
	streamCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		cancel()
		return ErrStreamActive
	}
	now := c.now()

	var userMsg Message
	if !req.skipUserInsert {
		userMsg = Message{
			ID:             NewTransientID(RoleUser),
			ConversationID: c.conversationID,
			Role:           RoleUser,
			Content:        req.prompt,
			Status:         StatusSent,
			IsPlaceholder:  true,
			Attachments:    req.attachments,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		c.overlay.Put(userMsg)
	}
	assistantMsg := Message{
		ID:             NewTransientID(RoleAssistant),
		ConversationID: c.conversationID,
		Role:           RoleAssistant,
		Status:         StatusPending,
		IsPlaceholder:  true,
		CreatedAt:      now.Add(time.Millisecond),
		UpdatedAt:      now,
	}
	c.overlay.Put(assistantMsg)

	active := &activeStream{
		cancel:      cancel,
		userID:      userMsg.ID,
		assistantID: assistantMsg.ID,
		reasoning:   NewReasoningBuffer(),
	}
	c.active = active
	conversationID := c.conversationID
	c.mu.Unlock()
	c.notify()

	// The user message is durable before the stream opens so a crash or
	// transport failure never loses the prompt. A stored row is confirmed
	// by definition, so the persisted copy drops the placeholder flag.
	if !req.skipUserInsert && conversationID != "" {
		durable := userMsg
		durable.IsPlaceholder = false
		if err := c.store.Insert(ctx, durable); err != nil {
			logging.StoreError("failed to persist user message %s: %v", userMsg.ID, err)
		}
	}

	outbound := stream.Request{
		Prompt:             req.prompt,
		Mode:               c.opts.Mode,
		Model:              c.opts.Model,
		ChatID:             conversationID,
		History:            req.history,
		Attachments:        req.attachments,
		ThinkingEnabled:    c.opts.ThinkingEnabled,
		MemoryReadEnabled:  c.opts.MemoryReadEnabled,
		MemoryWriteEnabled: c.opts.MemoryWriteEnabled,
		RegenOfUserID:      req.regenOfUserID,
		SkipUserInsert:     req.skipUserInsert,
		BillingTag:         req.billingTag,
	}
	if outbound.BillingTag == "" {
		outbound.BillingTag = c.opts.BillingTag
	}
	if conversationID == "" {
		outbound.Title = FormatTitle(req.prompt)
	}

	source, err := c.opener.Open(streamCtx, outbound)
	if err != nil {
		cancel()
		if c.consumeCancelled(active) || errors.Is(err, context.Canceled) {
			c.finalizeStopped(ctx, active)
			return nil
		}
		failure := classifyStreamFailure(err)
		c.finalizeError(active, failure)
		return failure
	}
	defer source.Close()
	defer cancel()

	return c.pump(ctx, source, active)
}

// pump applies stream events in arrival order until a terminal condition.
func (c *SessionController) pump(ctx context.Context, source EventSource, active *activeStream) error {
	for {
		event, err := source.Next()
		if err != nil {
			switch {
			case c.consumeCancelled(active) || errors.Is(err, context.Canceled):
				c.finalizeStopped(ctx, active)
				return nil
			case errors.Is(err, io.EOF):
				return c.finalizeEndOfStream(ctx, active)
			default:
				failure := classifyStreamFailure(err)
				if _, ok := failure.(*TransportError); ok && c.assistantContent(active) != "" {
					// Partial answer already on screen; treat a dropped
					// connection like an abrupt end of stream.
					logging.StreamWarn("transport dropped mid-stream: %v", err)
					return c.finalizeEndOfStream(ctx, active)
				}
				c.finalizeError(active, failure)
				return failure
			}
		}
		c.applyEvent(ctx, active, event)
		if event.Type == stream.EventDone {
			c.finalizeDone(ctx, active, event)
			return nil
		}
	}
}

func (c *SessionController) applyEvent(ctx context.Context, active *activeStream, event stream.Event) {
	switch event.Type {
	case stream.EventPing:
		return
	case stream.EventStart:
		c.applyStart(ctx, active, event)
	case stream.EventReasoning:
		c.mu.Lock()
		active.reasoning.Append(event.Content)
		c.overlay.Update(active.assistantID, func(m *Message) {
			active.reasoning.Flush(m, false)
			m.UpdatedAt = c.now()
		})
		c.mu.Unlock()
	case stream.EventThinkingDone:
		c.mu.Lock()
		c.overlay.Update(active.assistantID, func(m *Message) {
			active.reasoning.Close(m)
			m.UpdatedAt = c.now()
		})
		c.mu.Unlock()
	case stream.EventChunk:
		c.mu.Lock()
		c.overlay.Update(active.assistantID, func(m *Message) {
			m.Content += event.Content
			m.Status = StatusStreaming
			m.UpdatedAt = c.now()
		})
		c.mu.Unlock()
	}
	c.notify()
}

// applyStart swaps transient ids for server ids in one observable
// transition: both rekeys happen under the lock, so no view ever misses
// the placeholder and its successor at once.
func (c *SessionController) applyStart(ctx context.Context, active *activeStream, event stream.Event) {
	c.mu.Lock()
	newConversation := c.conversationID == "" && event.ChatID != ""
	if newConversation {
		c.conversationID = event.ChatID
	}

	oldUserID := active.userID
	if event.UserMessageID != "" && active.userID != "" && event.UserMessageID != active.userID {
		c.overlay.Rekey(active.userID, event.UserMessageID)
		active.userID = event.UserMessageID
	}
	if active.userID != "" {
		c.overlay.Update(active.userID, func(m *Message) {
			m.ConversationID = c.conversationID
			m.IsPlaceholder = false
		})
	}
	if event.MessageID != "" && event.MessageID != active.assistantID {
		c.overlay.Rekey(active.assistantID, event.MessageID)
		active.assistantID = event.MessageID
	}
	c.overlay.Update(active.assistantID, func(m *Message) {
		m.ConversationID = c.conversationID
		m.Status = StatusStreaming
		m.UpdatedAt = c.now()
	})
	conversationID := c.conversationID
	userMsg, hasUser := c.overlay.Get(active.userID)
	c.mu.Unlock()

	logging.Stream("stream started: chat=%s assistant=%s user=%s", event.ChatID, active.assistantID, event.UserMessageID)

	if newConversation {
		c.subscribe(conversationID)
		if c.conversations != nil {
			now := c.now()
			conv := Conversation{
				ID:        conversationID,
				Title:     FormatTitle(userMsg.Content),
				Mode:      c.opts.Mode,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := c.conversations.UpsertConversation(ctx, conv); err != nil {
				logging.StoreError("failed to upsert conversation %s: %v", conversationID, err)
			}
		}
	}

	// Migrate the durable user row to its server id. Tombstoning the old id
	// keeps a racing snapshot from resurrecting the transient row.
	switch {
	case oldUserID != "" && oldUserID != active.userID && hasUser:
		c.mu.Lock()
		c.tombstones.Add(oldUserID)
		c.mu.Unlock()
		if err := c.store.Delete(ctx, oldUserID); err != nil {
			logging.StoreError("failed to drop transient user row %s: %v", oldUserID, err)
		}
		if err := c.store.Insert(ctx, userMsg); err != nil {
			logging.StoreError("failed to persist user message %s: %v", userMsg.ID, err)
		}
		c.mu.Lock()
		c.tombstones.Remove(oldUserID)
		c.mu.Unlock()
	case newConversation && hasUser:
		// No durable row exists yet: the pre-stream insert is skipped while
		// the conversation id is unknown.
		if err := c.store.Insert(ctx, userMsg); err != nil {
			logging.StoreError("failed to persist user message %s: %v", userMsg.ID, err)
		}
	}
}

// ============================================================================
// Finalization
// ============================================================================

// finalizeDone commits a successful stream: final content, sent status,
// write-through to the store.
func (c *SessionController) finalizeDone(ctx context.Context, active *activeStream, event stream.Event) {
	c.mu.Lock()
	if event.MessageID != "" && event.MessageID != active.assistantID {
		c.overlay.Rekey(active.assistantID, event.MessageID)
		active.assistantID = event.MessageID
	}
	c.overlay.Update(active.assistantID, func(m *Message) {
		active.reasoning.Close(m)
		if event.Content != "" {
			m.Content = event.Content
		}
		m.Status = StatusSent
		m.IsPlaceholder = false
		m.Usage = event.Usage
		m.UpdatedAt = c.now()
	})
	final, _ := c.overlay.Get(active.assistantID)
	c.active = nil
	c.mu.Unlock()
	c.notify()

	if event.Usage != nil {
		logging.Stream("stream done: chat=%s tokens prompt=%d completion=%d total=%d",
			event.ChatID, event.Usage.PromptTokens, event.Usage.CompletionTokens, event.Usage.TotalTokens)
	} else {
		logging.Stream("stream done: chat=%s content=%d bytes", event.ChatID, len(final.Content))
	}
	c.writeThrough(ctx, final)
}

// finalizeEndOfStream handles a transport that ended without a done event.
// Accumulated content is kept rather than discarded; an empty stream is an
// error.
func (c *SessionController) finalizeEndOfStream(ctx context.Context, active *activeStream) error {
	if c.assistantContent(active) == "" {
		failure := &StreamError{Message: "stream ended unexpectedly"}
		c.finalizeError(active, failure)
		return failure
	}
	logging.StreamWarn("stream ended without done event, finalizing accumulated content")

	c.mu.Lock()
	c.overlay.Update(active.assistantID, func(m *Message) {
		active.reasoning.Close(m)
		m.Status = StatusSent
		m.IsPlaceholder = false
		m.UpdatedAt = c.now()
	})
	final, _ := c.overlay.Get(active.assistantID)
	c.active = nil
	c.mu.Unlock()
	c.notify()

	c.writeThrough(ctx, final)
	return nil
}

// finalizeStopped commits a user-cancelled stream: terminal status, partial
// content retained, wasStopped set. Never an error.
func (c *SessionController) finalizeStopped(ctx context.Context, active *activeStream) {
	c.mu.Lock()
	c.overlay.Update(active.assistantID, func(m *Message) {
		active.reasoning.Close(m)
		m.Status = StatusSent
		m.IsPlaceholder = false
		m.WasStopped = true
		m.UpdatedAt = c.now()
	})
	final, _ := c.overlay.Get(active.assistantID)
	c.active = nil
	c.mu.Unlock()
	c.notify()

	logging.Session("stream stopped by user: %s (%d bytes kept)", active.assistantID, len(final.Content))
	c.writeThrough(ctx, final)
}

// finalizeError replaces the assistant placeholder with the failure message
// and leaves the user message intact for retry or edit.
func (c *SessionController) finalizeError(active *activeStream, failure error) {
	c.mu.Lock()
	c.overlay.Update(active.assistantID, func(m *Message) {
		active.reasoning.Close(m)
		m.Content = failure.Error()
		m.Status = StatusError
		m.UpdatedAt = c.now()
	})
	c.active = nil
	c.mu.Unlock()
	c.notify()
	logging.SessionError("stream failed: %v", failure)
}

// writeThrough persists a finalized assistant message. Failures are logged
// only; the content is already on screen and rolling it back would lose it.
func (c *SessionController) writeThrough(ctx context.Context, msg Message) {
	if msg.ID == "" || msg.ConversationID == "" {
		return
	}
	if err := c.store.Insert(ctx, msg); err != nil {
		logging.StoreError("write-through failed for %s: %v", msg.ID, err)
	}
}

func (c *SessionController) assistantContent(active *activeStream) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, _ := c.overlay.Get(active.assistantID)
	return msg.Content
}

// consumeCancelled reports whether Cancel was called for this stream.
func (c *SessionController) consumeCancelled(active *activeStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return active.cancelled
}

// ============================================================================
// Cancel / Delete
// ============================================================================

// Cancel aborts the active stream, if any. The in-flight assistant message
// is finalized with its partial content and wasStopped set. Idempotent;
// cancelling with no active stream is a no-op.
func (c *SessionController) Cancel() {
	c.mu.Lock()
	active := c.active
	if active != nil && !active.cancelled {
		active.cancelled = true
		active.cancel()
		logging.Session("cancel requested for stream %s", active.assistantID)
	}
	c.mu.Unlock()
}

// Delete removes one message: it is tombstoned and hidden immediately, the
// store delete runs asynchronously, and the tombstone clears once the
// delete completes. A failed delete is logged, not retried.
func (c *SessionController) Delete(ctx context.Context, messageID string) {
	c.mu.Lock()
	c.tombstones.Add(messageID)
	c.overlay.Remove(messageID)
	c.mu.Unlock()
	c.notify()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.store.Delete(ctx, messageID); err != nil {
			logging.StoreError("delete failed for %s: %v", messageID, err)
		}
		// The cached snapshot may still hold the row if the store's
		// post-delete notification has not landed yet. Prune it before
		// lifting the tombstone so the row cannot resurrect in between.
		c.mu.Lock()
		c.snapshot = withoutMessages(c.snapshot, messageID)
		c.tombstones.Remove(messageID)
		c.mu.Unlock()
		c.notify()
	}()
}

// cascadeDelete tombstones every given message at once, deletes them from
// the store concurrently, and clears the tombstones when the cascade
// completes. The view reflects the truncation before any store delete has
// finished.
func (c *SessionController) cascadeDelete(ctx context.Context, doomed []Message) error {
	if len(doomed) == 0 {
		return nil
	}

	ids := make([]string, len(doomed))
	c.mu.Lock()
	for i, msg := range doomed {
		ids[i] = msg.ID
		c.tombstones.Add(msg.ID)
		c.overlay.Remove(msg.ID)
	}
	c.mu.Unlock()
	c.notify()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := c.store.Delete(gctx, id); err != nil {
				logging.StoreError("cascade delete failed for %s: %v", id, err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	c.snapshot = withoutMessages(c.snapshot, ids...)
	for _, id := range ids {
		c.tombstones.Remove(id)
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// withoutMessages returns snapshot minus the given ids.
func withoutMessages(snapshot []Message, ids ...string) []Message {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]Message, 0, len(snapshot))
	for _, msg := range snapshot {
		if _, ok := drop[msg.ID]; !ok {
			out = append(out, msg)
		}
	}
	return out
}

// Close cancels any active stream, drains background deletes and detaches
// the subscription. Deletes drain first so their confirming store
// notifications are still delivered.
func (c *SessionController) Close() {
	c.Cancel()
	c.wg.Wait()
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.mu.Unlock()
}
