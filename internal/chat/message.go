// Package chat implements the streaming session reconciliation core: the
// pending overlay of optimistic messages, tombstone suppression of in-flight
// deletes, the merge of store snapshots against that overlay, and the
// session controller that drives send, edit, regenerate, delete and cancel.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"relaychat/internal/stream"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status tracks a message through its streaming lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSent      Status = "sent"
	StatusError     Status = "error"
)

// Terminal reports whether the status admits no further content updates.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusError
}

// transientPrefix marks client-generated ids that the server replaces at
// stream start.
const transientPrefix = "temp-"

// NewTransientID returns a fresh client-side id for an optimistic message.
func NewTransientID(role Role) string {
	return transientPrefix + string(role) + "-" + uuid.NewString()
}

// IsTransientID reports whether id was generated client-side.
func IsTransientID(id string) bool {
	return strings.HasPrefix(id, transientPrefix)
}

// ReasoningSegment is one displayable block of assistant reasoning. At most
// one segment per message is live while reasoning streams in.
type ReasoningSegment struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsLive  bool   `json:"isLive"`
}

// Message is one entry in a conversation.
type Message struct {
	ID                string              `json:"id"`
	ConversationID    string              `json:"conversationId"`
	Role              Role                `json:"role"`
	Content           string              `json:"content"`
	ReasoningSegments []ReasoningSegment  `json:"reasoningSegments,omitempty"`
	Status            Status              `json:"status"`
	IsPlaceholder     bool                `json:"isPlaceholder"`
	WasStopped        bool                `json:"wasStopped"`
	Attachments       []stream.Attachment `json:"attachments,omitempty"`
	Usage             *stream.Usage       `json:"usage,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy so overlay snapshots never alias caller state.
func (m Message) Clone() Message {
	out := m
	if len(m.ReasoningSegments) > 0 {
		out.ReasoningSegments = make([]ReasoningSegment, len(m.ReasoningSegments))
		copy(out.ReasoningSegments, m.ReasoningSegments)
	}
	if len(m.Attachments) > 0 {
		out.Attachments = make([]stream.Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	if m.Usage != nil {
		usage := *m.Usage
		out.Usage = &usage
	}
	return out
}

// LiveSegment returns a pointer to the live reasoning segment, or nil.
func (m *Message) LiveSegment() *ReasoningSegment {
	for i := range m.ReasoningSegments {
		if m.ReasoningSegments[i].IsLive {
			return &m.ReasoningSegments[i]
		}
	}
	return nil
}

// MessagePatch carries a partial update for MessageStore.Update. Nil fields
// are left untouched.
type MessagePatch struct {
	Content           *string
	ReasoningSegments []ReasoningSegment
	Status            *Status
	IsPlaceholder     *bool
	WasStopped        *bool
	UpdatedAt         *time.Time
}

// Conversation is the stored metadata for one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
