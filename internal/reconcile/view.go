// Package reconcile merges a conversation's history with its live event
// stream into one ordered list without duplicates.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
)

// ErrSuperseded is returned by Open when another Open or a Close happened
// before it finished. Its result has been discarded.
var ErrSuperseded = errors.New("conversation open superseded")

type State int

const (
	Closed State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "closed"
	}
}

// Fetcher loads the full history between the viewer and peerID.
type Fetcher interface {
	FetchConversation(ctx context.Context, peerID int64) ([]models.Message, error)
}

// Subscription is a cancellable stream of live events for the viewer. Cancel
// closes the Events channel and must not wait for it to be drained.
type Subscription interface {
	Events() <-chan models.LiveEvent
	Cancel()
}

type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// View is the client's model of one open conversation. Fetch results and
// live arrivals are applied under a single mutex so neither can interleave
// with the other.
type View struct {
	self       int64
	fetcher    Fetcher
	subscriber Subscriber
	log        *zap.Logger

	mu       sync.Mutex
	state    State
	peer     int64
	key      conversation.Key
	gen      uint64
	msgs     []models.Message
	seen     map[int64]struct{}
	pending  []models.Message
	sub      Subscription
	onChange func(State, []models.Message)
}

// NewView builds a closed view for the user self.
func NewView(self int64, fetcher Fetcher, subscriber Subscriber, log *zap.Logger) *View {
	return &View{
		self:       self,
		fetcher:    fetcher,
		subscriber: subscriber,
		log:        log,
		seen:       make(map[int64]struct{}),
	}
}

// OnChange registers fn to run after every change of state or contents. It
// runs outside the view's lock.
func (v *View) OnChange(fn func(State, []models.Message)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Open switches the view to the conversation with peerID. The live
// subscription is taken before the history is fetched so nothing sent in
// between is missed; events arriving meanwhile are held until the fetch
// lands and then merged behind it.
func (v *View) Open(ctx context.Context, peerID int64) error {
	v.mu.Lock()
	v.releaseLocked()
	v.gen++
	gen := v.gen
	v.state = Loading
	v.peer = peerID
	v.key = conversation.PairKey(v.self, peerID)
	v.resetLocked()
	notify := v.snapshotLocked()
	v.mu.Unlock()
	notify()

	sub, err := v.subscriber.Subscribe(ctx)
	if err != nil {
		v.fail(gen)
		return err
	}

	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		sub.Cancel()
		return ErrSuperseded
	}
	v.sub = sub
	v.mu.Unlock()
	go v.pump(gen, sub)

	history, err := v.fetcher.FetchConversation(ctx, peerID)
	if err != nil {
		v.fail(gen)
		return err
	}

	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		v.log.Debug("stale conversation fetch discarded", zap.Int64("peer_id", peerID))
		return ErrSuperseded
	}
	v.replaceLocked(history)
	for _, msg := range v.pending {
		v.appendLocked(msg)
	}
	v.pending = nil
	v.state = Ready
	notify = v.snapshotLocked()
	v.mu.Unlock()
	notify()
	return nil
}

// Apply merges a live event into the view. Events for other conversations
// are ignored.
func (v *View) Apply(event models.LiveEvent) {
	v.mu.Lock()
	notify := v.applyLocked(v.gen, event)
	v.mu.Unlock()
	notify()
}

// AddSent merges the server's response to the viewer's own send.
func (v *View) AddSent(msg models.Message) {
	v.mu.Lock()
	notify := v.applyLocked(v.gen, models.NewLiveEvent(msg))
	v.mu.Unlock()
	notify()
}

// applyLocked merges event if it belongs to generation gen and the open
// conversation. It returns the change notification to run after unlocking.
func (v *View) applyLocked(gen uint64, event models.LiveEvent) func() {
	msg := event.Message
	if event.Type != models.LiveEventMessage || gen != v.gen || v.state == Closed ||
		!v.key.Matches(msg.SenderID, msg.ReceiverID) {
		return func() {}
	}
	if v.state == Loading {
		v.pending = append(v.pending, msg)
		return func() {}
	}
	if !v.appendLocked(msg) {
		return func() {}
	}
	return v.snapshotLocked()
}

// Close leaves the conversation and releases the live subscription.
func (v *View) Close() {
	v.mu.Lock()
	v.releaseLocked()
	v.gen++
	v.state = Closed
	v.peer = 0
	v.key = ""
	v.resetLocked()
	notify := v.snapshotLocked()
	v.mu.Unlock()
	notify()
}

// Messages returns a copy of the current list.
func (v *View) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.Message(nil), v.msgs...)
}

func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Peer returns the other participant of the open conversation, or 0.
func (v *View) Peer() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peer
}

func (v *View) pump(gen uint64, sub Subscription) {
	for event := range sub.Events() {
		v.mu.Lock()
		notify := v.applyLocked(gen, event)
		v.mu.Unlock()
		notify()
	}
}

func (v *View) fail(gen uint64) {
	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		return
	}
	v.releaseLocked()
	v.state = Closed
	v.resetLocked()
	notify := v.snapshotLocked()
	v.mu.Unlock()
	notify()
}

// replaceLocked takes history as the new ground truth, sorted by
// (created_at, id).
func (v *View) replaceLocked(history []models.Message) {
	msgs := lo.UniqBy(history, func(m models.Message) int64 { return m.ID })
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	v.msgs = msgs
	v.seen = make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		v.seen[m.ID] = struct{}{}
	}
}

// appendLocked adds msg in arrival order unless its id is already present.
func (v *View) appendLocked(msg models.Message) bool {
	if _, dup := v.seen[msg.ID]; dup {
		return false
	}
	v.seen[msg.ID] = struct{}{}
	v.msgs = append(v.msgs, msg)
	return true
}

func (v *View) resetLocked() {
	v.msgs = nil
	v.seen = make(map[int64]struct{})
	v.pending = nil
}

func (v *View) releaseLocked() {
	if v.sub != nil {
		v.sub.Cancel()
		v.sub = nil
	}
}

func (v *View) snapshotLocked() func() {
	fn := v.onChange
	if fn == nil {
		return func() {}
	}
	state := v.state
	msgs := append([]models.Message(nil), v.msgs...)
	return func() { fn(state, msgs) }
}
