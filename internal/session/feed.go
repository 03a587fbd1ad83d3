package session

import (
	"sync"
	"time"

	"dm-service/internal/models"
)

// Feed is a cancellable stream of live events for one user. Events arrive in
// the order they were delivered. A cancelled feed is finished for good;
// subscribing again yields a new feed without replay.
type Feed struct {
	userID   int64
	openedAt time.Time
	events   chan models.LiveEvent
	registry *Registry

	mu     sync.Mutex
	closed bool
}

func newFeed(userID int64, buffer int, registry *Registry) *Feed {
	return &Feed{
		userID:   userID,
		openedAt: time.Now(),
		events:   make(chan models.LiveEvent, buffer),
		registry: registry,
	}
}

// UserID returns the user the feed belongs to.
func (f *Feed) UserID() int64 { return f.userID }

// OpenedAt returns when the feed was registered.
func (f *Feed) OpenedAt() time.Time { return f.openedAt }

// Events yields delivered events. The channel closes once the feed is
// cancelled or replaced by a newer session for the same user.
func (f *Feed) Events() <-chan models.LiveEvent { return f.events }

// Cancel stops delivery and releases the registration. Safe to call more than
// once.
func (f *Feed) Cancel() {
	if f.registry != nil {
		f.registry.Unregister(f)
	}
	f.close()
}

// Done reports whether the feed no longer accepts events.
func (f *Feed) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) push(event models.LiveEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.events <- event:
		return true
	default:
		return false
	}
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}
