// Package bus fans newly stored messages out to the receiver's live session.
package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/session"
)

// Sessions is the view of the session registry the bus depends on.
type Sessions interface {
	Register(userID int64) *session.Feed
	IsActive(userID int64) bool
	Deliver(userID int64, event models.LiveEvent) bool
	Evict(userID int64, cutoff time.Time) bool
	Active() int
}

// Relay carries events between service instances. Every instance receives
// each relayed event and performs its own local lookup. Takeover announces
// a session opened at openedAt so other instances retire older feeds of the
// same user.
type Relay interface {
	Publish(ctx context.Context, event models.LiveEvent) error
	Takeover(ctx context.Context, userID int64, openedAt time.Time) error
}

const takeoverTimeout = 2 * time.Second

// Bus delivers live events at most once per feed. There is no queue and no
// retry: an event for a user without a session is dropped, and the next
// history fetch is how that user catches up.
type Bus struct {
	sessions Sessions
	relay    Relay
	log      *zap.Logger
}

// New builds a Bus over the given registry. relay may be nil for a single
// instance deployment.
func New(sessions Sessions, relay Relay, log *zap.Logger) *Bus {
	return &Bus{sessions: sessions, relay: relay, log: log}
}

// Publish hands the event off for delivery to its receiver. It returns once
// the event is handed off, not once it is received.
func (b *Bus) Publish(ctx context.Context, event models.LiveEvent) {
	if b.relay == nil {
		b.DeliverLocal(event)
		return
	}
	if err := b.relay.Publish(ctx, event); err != nil {
		// Delivering locally here could duplicate an event the relay did
		// accept, so the event is dropped instead.
		observability.IncLiveEvent("dropped")
		b.log.Warn("live relay publish failed",
			zap.Int64("message_id", event.Message.ID),
			zap.Int64("receiver_id", event.Message.ReceiverID),
			zap.Error(err))
	}
}

// DeliverLocal pushes the event to the receiver's feed on this instance.
func (b *Bus) DeliverLocal(event models.LiveEvent) bool {
	receiver := event.Message.ReceiverID
	if !b.sessions.IsActive(receiver) || !b.sessions.Deliver(receiver, event) {
		observability.IncLiveEvent("dropped")
		b.log.Debug("live event dropped",
			zap.Int64("message_id", event.Message.ID),
			zap.Int64("receiver_id", receiver))
		return false
	}
	observability.IncLiveEvent("delivered")
	return true
}

// Subscribe registers a feed for events addressed to userID. With a relay,
// the new session also replaces any older one held by another instance.
func (b *Bus) Subscribe(userID int64) *session.Feed {
	feed := b.sessions.Register(userID)
	observability.SetActiveSessions(b.sessions.Active())
	if b.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), takeoverTimeout)
		defer cancel()
		if err := b.relay.Takeover(ctx, userID, feed.OpenedAt()); err != nil {
			b.log.Warn("live session takeover not relayed",
				zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return feed
}

// EvictLocal retires this instance's feed for userID when it predates a
// session opened elsewhere.
func (b *Bus) EvictLocal(userID int64, openedAt time.Time) bool {
	if !b.sessions.Evict(userID, openedAt) {
		return false
	}
	observability.SetActiveSessions(b.sessions.Active())
	b.log.Info("live session taken over by another instance", zap.Int64("user_id", userID))
	return true
}

// Unsubscribe cancels feed and refreshes the session gauge.
func (b *Bus) Unsubscribe(feed *session.Feed) {
	feed.Cancel()
	observability.SetActiveSessions(b.sessions.Active())
}
