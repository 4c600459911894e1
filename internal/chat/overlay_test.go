package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayRekey(t *testing.T) {
	overlay := NewPendingOverlay()
	overlay.Put(Message{ID: "temp-1", Content: "hello"})

	overlay.Rekey("temp-1", "server-1")

	_, ok := overlay.Get("temp-1")
	assert.False(t, ok)
	msg, ok := overlay.Get("server-1")
	require.True(t, ok)
	assert.Equal(t, "server-1", msg.ID)
	assert.Equal(t, "hello", msg.Content)

	// Rekeying a missing id is a no-op.
	overlay.Rekey("absent", "whatever")
	assert.Equal(t, 1, overlay.Len())
}

func TestOverlayUpdate(t *testing.T) {
	overlay := NewPendingOverlay()
	overlay.Put(Message{ID: "m1", Content: "a"})

	ok := overlay.Update("m1", func(m *Message) { m.Content += "b" })
	assert.True(t, ok)
	msg, _ := overlay.Get("m1")
	assert.Equal(t, "ab", msg.Content)

	assert.False(t, overlay.Update("missing", func(m *Message) {}))
}

func TestOverlayOrderedSortsByCreation(t *testing.T) {
	base := time.Now()
	overlay := NewPendingOverlay()
	overlay.Put(Message{ID: "c", CreatedAt: base.Add(2 * time.Second)})
	overlay.Put(Message{ID: "a", CreatedAt: base})
	overlay.Put(Message{ID: "b", CreatedAt: base.Add(time.Second)})

	ordered := overlay.Ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{ordered[0].ID, ordered[1].ID, ordered[2].ID})
}

func TestTombstoneSet(t *testing.T) {
	set := NewTombstoneSet()
	assert.False(t, set.Contains("x"))

	set.Add("x")
	assert.True(t, set.Contains("x"))
	assert.Equal(t, 1, set.Len())

	set.Remove("x")
	assert.False(t, set.Contains("x"))

	// Removing twice is harmless.
	set.Remove("x")
	assert.Equal(t, 0, set.Len())
}

func TestTransientIDs(t *testing.T) {
	id := NewTransientID(RoleUser)
	assert.True(t, IsTransientID(id))
	assert.False(t, IsTransientID("server-assigned"))

	other := NewTransientID(RoleUser)
	assert.NotEqual(t, id, other)
}
