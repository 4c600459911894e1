package chat

import (
	"strings"
	"time"
)

// userDedupWindow is how close in creation time a store user message must be
// to a placeholder with identical trimmed content before the placeholder is
// treated as confirmed and dropped. Wide enough to cover the round trip,
// narrow enough that two deliberate identical sends both survive.
const userDedupWindow = 2 * time.Second

// MergeView combines an ordered store snapshot with the pending overlay into
// the visible conversation. It is pure: no input is mutated, and the result
// depends only on the three arguments, so it is safe to recompute under any
// interleaving of stream events and store notifications.
//
// Rules, in order:
//  1. tombstoned ids are excluded from both sides;
//  2. a snapshot message whose id also appears in the overlay is merged
//     field-by-field, the side with the longer content winning;
//  3. overlay entries with no snapshot counterpart are appended in creation
//     order, except placeholder user messages matched by the content and
//     time-window heuristic below.
//
// The user dedup heuristic is an approximation: a placeholder and the
// confirmed row written on its behalf share no id, so equal trimmed content
// inside userDedupWindow is the only available match.
func MergeView(snapshot []Message, overlay *PendingOverlay, tombstones *TombstoneSet) []Message {
	consumed := make(map[string]struct{})
	out := make([]Message, 0, len(snapshot)+overlay.Len())

	for _, stored := range snapshot {
		if tombstones.Contains(stored.ID) {
			continue
		}
		if pending, ok := overlay.Get(stored.ID); ok {
			consumed[stored.ID] = struct{}{}
			out = append(out, mergeMessage(stored, pending))
			continue
		}
		out = append(out, stored)
	}

	for _, pending := range overlay.Ordered() {
		if tombstones.Contains(pending.ID) {
			continue
		}
		if _, ok := consumed[pending.ID]; ok {
			continue
		}
		if pending.Role == RoleUser && pending.IsPlaceholder && matchesStoredUser(pending, snapshot, tombstones) {
			continue
		}
		out = append(out, pending)
	}
	return out
}

// mergeMessage combines a stored row with its overlay twin. The side with
// the longer content carries the streaming fields; durable flags come from
// whichever side has progressed further.
func mergeMessage(stored, pending Message) Message {
	winner, loser := stored, pending
	if len(pending.Content) > len(stored.Content) {
		winner, loser = pending, stored
	}
	merged := winner.Clone()

	if len(merged.ReasoningSegments) == 0 && len(loser.ReasoningSegments) > 0 {
		merged.ReasoningSegments = append([]ReasoningSegment(nil), loser.ReasoningSegments...)
	}
	if merged.Usage == nil && loser.Usage != nil {
		usage := *loser.Usage
		merged.Usage = &usage
	}
	if merged.Status.Terminal() || loser.Status.Terminal() {
		if !merged.Status.Terminal() {
			merged.Status = loser.Status
		}
	}
	// Confirmation in the store clears the placeholder flag for good.
	merged.IsPlaceholder = stored.IsPlaceholder && pending.IsPlaceholder
	merged.WasStopped = stored.WasStopped || pending.WasStopped
	if loser.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = loser.UpdatedAt
	}
	return merged
}

// matchesStoredUser reports whether a placeholder user message has a
// confirmed counterpart in the snapshot: same role, equal trimmed content,
// created within userDedupWindow.
func matchesStoredUser(pending Message, snapshot []Message, tombstones *TombstoneSet) bool {
	want := strings.TrimSpace(pending.Content)
	for _, stored := range snapshot {
		if stored.Role != RoleUser || tombstones.Contains(stored.ID) {
			continue
		}
		// The entry's own durable row is an id match, not a dedup candidate.
		if stored.ID == pending.ID {
			continue
		}
		if strings.TrimSpace(stored.Content) != want {
			continue
		}
		delta := stored.CreatedAt.Sub(pending.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta < userDedupWindow {
			return true
		}
	}
	return false
}
