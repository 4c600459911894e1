package chat

import (
	"strings"

	"github.com/google/uuid"
)

// ReasoningBuffer accumulates incremental reasoning deltas and flushes them
// into the single live segment of an assistant message. Every delta is
// flushed immediately so the caller sees reasoning as it arrives; a forced
// flush on thinking_done or stream termination drains any trailing partial
// delta.
type ReasoningBuffer struct {
	pending   strings.Builder
	segmentID string
}

// NewReasoningBuffer returns an empty buffer.
func NewReasoningBuffer() *ReasoningBuffer {
	return &ReasoningBuffer{}
}

// Append adds a reasoning delta to the buffer.
func (b *ReasoningBuffer) Append(delta string) {
	b.pending.WriteString(delta)
}

// HasPending reports whether unflushed text remains.
func (b *ReasoningBuffer) HasPending() bool {
	return b.pending.Len() > 0
}

// Flush drains the buffer into msg's live reasoning segment, creating it on
// first use. With force set, an empty buffer still ensures the segment is
// closed out correctly by the caller; without force, an empty buffer is a
// no-op. Returns whether msg changed.
func (b *ReasoningBuffer) Flush(msg *Message, force bool) bool {
	text := b.pending.String()
	if text == "" && !force {
		return false
	}
	b.pending.Reset()

	live := msg.LiveSegment()
	if live == nil {
		if text == "" {
			return false
		}
		if b.segmentID == "" {
			b.segmentID = "reasoning-" + uuid.NewString()
		}
		msg.ReasoningSegments = append(msg.ReasoningSegments, ReasoningSegment{
			ID:      b.segmentID,
			Content: text,
			IsLive:  true,
		})
		return true
	}
	if text != "" {
		live.Content += text
		return true
	}
	return false
}

// Close force-flushes any remainder into msg and marks the live segment as
// finished. Safe to call when no reasoning ever arrived.
func (b *ReasoningBuffer) Close(msg *Message) {
	b.Flush(msg, true)
	if live := msg.LiveSegment(); live != nil {
		live.IsLive = false
	}
}
