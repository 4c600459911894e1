package chat

import "sort"

// PendingOverlay holds optimistic and in-flight messages that the store has
// not confirmed yet, keyed by message id. It is owned by the
// SessionController; all access happens under the controller's lock.
type PendingOverlay struct {
	entries map[string]Message
}

// NewPendingOverlay returns an empty overlay.
func NewPendingOverlay() *PendingOverlay {
	return &PendingOverlay{entries: make(map[string]Message)}
}

// Put inserts or replaces the entry for msg.ID.
func (o *PendingOverlay) Put(msg Message) {
	o.entries[msg.ID] = msg
}

// Get returns the entry for id and whether it exists.
func (o *PendingOverlay) Get(id string) (Message, bool) {
	msg, ok := o.entries[id]
	return msg, ok
}

// Remove drops the entry for id, if present.
func (o *PendingOverlay) Remove(id string) {
	delete(o.entries, id)
}

// Rekey moves the entry at oldID to newID, updating the message id. It is a
// no-op when oldID is absent.
func (o *PendingOverlay) Rekey(oldID, newID string) {
	msg, ok := o.entries[oldID]
	if !ok {
		return
	}
	delete(o.entries, oldID)
	msg.ID = newID
	o.entries[newID] = msg
}

// Update applies fn to the entry at id, if present, and stores the result.
func (o *PendingOverlay) Update(id string, fn func(*Message)) bool {
	msg, ok := o.entries[id]
	if !ok {
		return false
	}
	fn(&msg)
	o.entries[id] = msg
	return true
}

// Len returns the number of pending entries.
func (o *PendingOverlay) Len() int {
	return len(o.entries)
}

// Ordered returns all entries sorted by creation time, oldest first. Ids
// break ties so the order is stable.
func (o *PendingOverlay) Ordered() []Message {
	out := make([]Message, 0, len(o.entries))
	for _, msg := range o.entries {
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
