// Package conversation derives the canonical key shared by both directions
// of a two-user thread.
package conversation

import "strconv"

// Key identifies the unordered pair {A, B}. The lower id always comes first.
type Key string

// PairKey returns the same key for (a, b) and (b, a).
func PairKey(a, b int64) Key {
	if b < a {
		a, b = b, a
	}
	return Key(strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10))
}

// Matches reports whether a sender/receiver pair belongs to this conversation.
func (k Key) Matches(senderID, receiverID int64) bool {
	return k == PairKey(senderID, receiverID)
}

func (k Key) String() string { return string(k) }
