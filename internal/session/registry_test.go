package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
)

func event(id int64) models.LiveEvent {
	return models.NewLiveEvent(models.Message{ID: id, SenderID: 1, ReceiverID: 2})
}

func TestRegistryRegisterAndCancel(t *testing.T) {
	reg := NewRegistry(4)

	feed := reg.Register(2)
	assert.True(t, reg.IsActive(2))
	assert.Equal(t, 1, reg.Active())

	feed.Cancel()
	assert.False(t, reg.IsActive(2))
	assert.Equal(t, 0, reg.Active())
	assert.True(t, feed.Done())

	_, open := <-feed.Events()
	assert.False(t, open)

	// Idempotent.
	feed.Cancel()
	assert.False(t, reg.IsActive(2))
}

func TestRegistryDeliverPreservesOrder(t *testing.T) {
	reg := NewRegistry(8)
	feed := reg.Register(2)

	for i := int64(1); i <= 3; i++ {
		require.True(t, reg.Deliver(2, event(i)))
	}

	for i := int64(1); i <= 3; i++ {
		got := <-feed.Events()
		assert.Equal(t, i, got.Message.ID)
	}
}

func TestRegistryDeliverWithoutSessionDrops(t *testing.T) {
	reg := NewRegistry(1)
	assert.False(t, reg.Deliver(7, event(1)))
}

func TestRegistryDeliverDropsWhenBufferFull(t *testing.T) {
	reg := NewRegistry(1)
	feed := reg.Register(2)

	assert.True(t, reg.Deliver(2, event(1)))
	assert.False(t, reg.Deliver(2, event(2)))

	got := <-feed.Events()
	assert.Equal(t, int64(1), got.Message.ID)
	select {
	case extra := <-feed.Events():
		t.Fatalf("unexpected event %d", extra.Message.ID)
	default:
	}
}

func TestRegistryNewSessionReplacesOld(t *testing.T) {
	reg := NewRegistry(4)
	first := reg.Register(2)
	second := reg.Register(2)

	assert.True(t, first.Done())
	assert.False(t, second.Done())
	assert.Equal(t, 1, reg.Active())

	// Cancelling the stale feed must not unregister the new one.
	first.Cancel()
	assert.True(t, reg.IsActive(2))

	require.True(t, reg.Deliver(2, event(9)))
	got := <-second.Events()
	assert.Equal(t, int64(9), got.Message.ID)
}

func TestDeliverAfterCancelIsRejected(t *testing.T) {
	reg := NewRegistry(4)
	feed := reg.Register(2)
	feed.Cancel()

	assert.False(t, feed.push(event(1)))
}

func TestRegistryEvictRetiresOlderFeed(t *testing.T) {
	reg := NewRegistry(4)
	feed := reg.Register(2)

	assert.False(t, reg.Evict(2, feed.OpenedAt().Add(-time.Second)), "newer feed must survive")
	assert.True(t, reg.IsActive(2))

	assert.True(t, reg.Evict(2, feed.OpenedAt().Add(time.Second)))
	assert.False(t, reg.IsActive(2))
	_, open := <-feed.Events()
	assert.False(t, open)
	assert.False(t, reg.Deliver(2, event(1)))

	assert.False(t, reg.Evict(2, time.Now()), "nothing left to evict")
	feed.Cancel()
}
