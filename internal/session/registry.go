// Package session tracks which users currently hold a live connection.
package session

import (
	"sync"
	"time"

	"dm-service/internal/models"
)

// DefaultFeedBuffer is the number of undelivered events a feed holds before
// further events are dropped.
const DefaultFeedBuffer = 64

// Registry maps a user id to at most one active feed. It is the only owner of
// that mapping; callers mutate it through Register and Unregister.
type Registry struct {
	feeds  map[int64]*Feed
	buffer int
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry. A non-positive buffer selects
// DefaultFeedBuffer.
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Registry{feeds: make(map[int64]*Feed), buffer: buffer}
}

// Register opens a new feed for userID. A feed previously registered for the
// same user is cancelled, since only one session per user is live.
func (r *Registry) Register(userID int64) *Feed {
	feed := newFeed(userID, r.buffer, r)

	r.mu.Lock()
	prev := r.feeds[userID]
	r.feeds[userID] = feed
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return feed
}

// Unregister removes feed if it is still the active one for its user.
func (r *Registry) Unregister(feed *Feed) {
	if feed == nil {
		return
	}
	r.mu.Lock()
	if r.feeds[feed.userID] == feed {
		delete(r.feeds, feed.userID)
	}
	r.mu.Unlock()
}

// Evict cancels userID's feed when it was opened before cutoff. A session
// that started on another instance uses it to retire this instance's copy;
// a feed opened after the cutoff is newer and stays.
func (r *Registry) Evict(userID int64, cutoff time.Time) bool {
	r.mu.Lock()
	feed := r.feeds[userID]
	if feed == nil || !feed.openedAt.Before(cutoff) {
		r.mu.Unlock()
		return false
	}
	delete(r.feeds, userID)
	r.mu.Unlock()

	feed.close()
	return true
}

// IsActive reports whether userID has a registered feed.
func (r *Registry) IsActive(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.feeds[userID]
	return ok
}

// Deliver hands event to userID's feed. It returns false when the user has no
// feed or the feed could not take the event.
func (r *Registry) Deliver(userID int64, event models.LiveEvent) bool {
	r.mu.RLock()
	feed := r.feeds[userID]
	r.mu.RUnlock()
	if feed == nil {
		return false
	}
	return feed.push(event)
}

// Active returns the number of registered feeds.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.feeds)
}
