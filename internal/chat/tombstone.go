package chat

// TombstoneSet tracks message ids with a delete in flight. A tombstoned id
// is excluded from the merged view no matter what a store snapshot reports,
// which stops a racing snapshot from resurrecting a half-deleted message.
// Access is guarded by the owning SessionController's lock.
type TombstoneSet struct {
	ids map[string]struct{}
}

// NewTombstoneSet returns an empty set.
func NewTombstoneSet() *TombstoneSet {
	return &TombstoneSet{ids: make(map[string]struct{})}
}

// Add marks id as being deleted.
func (t *TombstoneSet) Add(id string) {
	t.ids[id] = struct{}{}
}

// Remove clears the tombstone for id once its delete has completed.
func (t *TombstoneSet) Remove(id string) {
	delete(t.ids, id)
}

// Contains reports whether id is tombstoned.
func (t *TombstoneSet) Contains(id string) bool {
	_, ok := t.ids[id]
	return ok
}

// Len returns the number of tombstoned ids.
func (t *TombstoneSet) Len() int {
	return len(t.ids)
}
