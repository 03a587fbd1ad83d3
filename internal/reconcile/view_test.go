package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-service/internal/models"
)

const (
	me    int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender, receiver int64, offset time.Duration) models.Message {
	return models.Message{ID: id, SenderID: sender, ReceiverID: receiver, CreatedAt: base.Add(offset)}
}

type fakeSub struct {
	events chan models.LiveEvent
	once   sync.Once
	done   chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan models.LiveEvent, 16), done: make(chan struct{})}
}

func (s *fakeSub) Events() <-chan models.LiveEvent { return s.events }

func (s *fakeSub) Cancel() {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
}

func (s *fakeSub) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

func (f *fakeSubscriber) Subscribe(context.Context) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSubscriber) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

// fakeFetcher returns the history registered per peer. A gate, when set,
// blocks the fetch until it is closed.
type fakeFetcher struct {
	mu      sync.Mutex
	history map[int64][]models.Message
	gates   map[int64]chan struct{}
	started chan int64
	err     error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		history: map[int64][]models.Message{},
		gates:   map[int64]chan struct{}{},
		started: make(chan int64, 8),
	}
}

func (f *fakeFetcher) FetchConversation(_ context.Context, peerID int64) ([]models.Message, error) {
	f.started <- peerID
	f.mu.Lock()
	gate := f.gates[peerID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Message(nil), f.history[peerID]...), nil
}

func (f *fakeFetcher) gate(peerID int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[peerID] = g
	return g
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newTestView() (*View, *fakeFetcher, *fakeSubscriber) {
	fetcher := newFakeFetcher()
	subscriber := &fakeSubscriber{}
	return NewView(me, fetcher, subscriber, zap.NewNop()), fetcher, subscriber
}

func TestOpenReplacesListSorted(t *testing.T) {
	view, fetcher, _ := newTestView()
	fetcher.history[bob] = []models.Message{
		msg(3, bob, me, 2*time.Second),
		msg(1, me, bob, 0),
		msg(4, me, bob, 2*time.Second),
		msg(2, bob, me, time.Second),
		msg(2, bob, me, time.Second),
	}

	require.NoError(t, view.Open(context.Background(), bob))

	assert.Equal(t, Ready, view.State())
	assert.Equal(t, bob, view.Peer())
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(view.Messages()))
}

func TestReopenTakesFetchAsGroundTruth(t *testing.T) {
	view, fetcher, _ := newTestView()
	fetcher.history[bob] = []models.Message{msg(1, me, bob, 0)}
	require.NoError(t, view.Open(context.Background(), bob))
	view.Apply(models.NewLiveEvent(msg(9, bob, me, time.Hour)))
	require.Equal(t, []int64{1, 9}, ids(view.Messages()))

	fetcher.history[bob] = []models.Message{msg(1, me, bob, 0), msg(2, bob, me, time.Minute)}
	require.NoError(t, view.Open(context.Background(), bob))

	assert.Equal(t, []int64{1, 2}, ids(view.Messages()))
}

func TestLiveEventsAppendInArrivalOrder(t *testing.T) {
	view, _, _ := newTestView()
	require.NoError(t, view.Open(context.Background(), bob))

	view.Apply(models.NewLiveEvent(msg(7, bob, me, time.Minute)))
	view.Apply(models.NewLiveEvent(msg(5, me, bob, 0)))

	assert.Equal(t, []int64{7, 5}, ids(view.Messages()))
}

func TestDuplicateFromFetchAndLiveKeepsOne(t *testing.T) {
	view, fetcher, _ := newTestView()
	fetcher.history[bob] = []models.Message{msg(5, bob, me, 0)}
	require.NoError(t, view.Open(context.Background(), bob))

	view.Apply(models.NewLiveEvent(msg(5, bob, me, 0)))
	view.Apply(models.NewLiveEvent(msg(5, bob, me, 0)))

	assert.Equal(t, []int64{5}, ids(view.Messages()))
}

func TestSentResponseAndEchoKeepOne(t *testing.T) {
	view, _, _ := newTestView()
	require.NoError(t, view.Open(context.Background(), bob))

	sent := msg(11, me, bob, 0)
	view.AddSent(sent)
	view.Apply(models.NewLiveEvent(sent))

	assert.Equal(t, []int64{11}, ids(view.Messages()))
}

func TestEventsForOtherConversationsAreIgnored(t *testing.T) {
	view, _, _ := newTestView()
	require.NoError(t, view.Open(context.Background(), bob))

	view.Apply(models.NewLiveEvent(msg(1, carol, me, 0)))
	view.Apply(models.NewLiveEvent(msg(2, bob, carol, 0)))
	view.Apply(models.LiveEvent{Type: "typing", Message: msg(3, bob, me, 0)})
	view.AddSent(msg(4, me, carol, 0))

	assert.Empty(t, view.Messages())
}

func TestEventsDuringLoadingAreMergedAfterFetch(t *testing.T) {
	view, fetcher, subscriber := newTestView()
	fetcher.history[bob] = []models.Message{msg(1, me, bob, 0), msg(2, bob, me, time.Second)}
	gate := fetcher.gate(bob)

	done := make(chan error, 1)
	go func() { done <- view.Open(context.Background(), bob) }()
	require.Equal(t, bob, <-fetcher.started)
	assert.Equal(t, Loading, view.State())

	// One event the fetch will also contain, one it will not.
	view.Apply(models.NewLiveEvent(msg(2, bob, me, time.Second)))
	subscriber.last().events <- models.NewLiveEvent(msg(3, bob, me, 2*time.Second))
	require.Eventually(t, func() bool {
		view.mu.Lock()
		defer view.mu.Unlock()
		return len(view.pending) == 2
	}, time.Second, time.Millisecond)
	assert.Empty(t, view.Messages())

	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, Ready, view.State())
	assert.Equal(t, []int64{1, 2, 3}, ids(view.Messages()))
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	view, fetcher, subscriber := newTestView()
	fetcher.history[bob] = []models.Message{msg(1, me, bob, 0)}
	fetcher.history[carol] = []models.Message{msg(2, me, carol, 0)}
	gate := fetcher.gate(bob)

	first := make(chan error, 1)
	go func() { first <- view.Open(context.Background(), bob) }()
	require.Equal(t, bob, <-fetcher.started)
	firstSub := subscriber.last()

	require.NoError(t, view.Open(context.Background(), carol))
	close(gate)

	assert.ErrorIs(t, <-first, ErrSuperseded)
	assert.True(t, firstSub.cancelled())
	assert.Equal(t, carol, view.Peer())
	assert.Equal(t, []int64{2}, ids(view.Messages()))
}

func TestLiveSubscriptionFeedsView(t *testing.T) {
	view, _, subscriber := newTestView()
	require.NoError(t, view.Open(context.Background(), bob))

	subscriber.last().events <- models.NewLiveEvent(msg(8, bob, me, 0))

	assert.Eventually(t, func() bool { return len(view.Messages()) == 1 }, time.Second, time.Millisecond)
}

func TestCloseReleasesSubscription(t *testing.T) {
	view, fetcher, subscriber := newTestView()
	fetcher.history[bob] = []models.Message{msg(1, me, bob, 0)}
	require.NoError(t, view.Open(context.Background(), bob))
	sub := subscriber.last()

	view.Close()

	assert.True(t, sub.cancelled())
	assert.Equal(t, Closed, view.State())
	assert.Empty(t, view.Messages())
	view.Apply(models.NewLiveEvent(msg(2, bob, me, 0)))
	assert.Empty(t, view.Messages())
}

func TestReopenCancelsPreviousSubscription(t *testing.T) {
	view, _, subscriber := newTestView()
	require.NoError(t, view.Open(context.Background(), bob))
	first := subscriber.last()

	require.NoError(t, view.Open(context.Background(), carol))

	assert.True(t, first.cancelled())
	assert.False(t, subscriber.last().cancelled())
}

func TestFetchFailureCloses(t *testing.T) {
	view, fetcher, subscriber := newTestView()
	fetcher.err = assert.AnError

	err := view.Open(context.Background(), bob)

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, Closed, view.State())
	assert.True(t, subscriber.last().cancelled())
}

func TestSubscribeFailureCloses(t *testing.T) {
	view, _, subscriber := newTestView()
	subscriber.err = assert.AnError

	assert.ErrorIs(t, view.Open(context.Background(), bob), assert.AnError)
	assert.Equal(t, Closed, view.State())
}

func TestOnChangeSeesTransitions(t *testing.T) {
	view, fetcher, _ := newTestView()
	fetcher.history[bob] = []models.Message{msg(1, me, bob, 0)}

	var mu sync.Mutex
	var states []State
	view.OnChange(func(s State, _ []models.Message) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, view.Open(context.Background(), bob))
	view.Apply(models.NewLiveEvent(msg(2, bob, me, time.Second)))
	view.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Loading, Ready, Ready, Closed}, states)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "loading", Loading.String())
	assert.Equal(t, "ready", Ready.String())
}
