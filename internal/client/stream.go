package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-service/internal/models"
	"dm-service/internal/reconcile"
)

const listenerBuffer = 64

var ErrStreamClosed = errors.New("live stream closed")

// Stream is the caller's single live connection. Local listeners share it;
// each gets its own buffered channel and is dropped from on overflow.
type Stream struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu        sync.Mutex
	listeners map[*Listener]struct{}
	closed    bool
	done      chan struct{}
	err       error
}

// DialStream opens the live websocket for the token's user.
func DialStream(ctx context.Context, baseURL, token string, log *zap.Logger) (*Stream, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws/live")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		conn:      conn,
		log:       log,
		listeners: make(map[*Listener]struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Subscribe adds a listener. It satisfies reconcile.Subscriber.
func (s *Stream) Subscribe(_ context.Context) (reconcile.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStreamClosed, s.err)
		}
		return nil, ErrStreamClosed
	}
	l := &Listener{stream: s, events: make(chan models.LiveEvent, listenerBuffer)}
	s.listeners[l] = struct{}{}
	return l, nil
}

// Done is closed once the connection has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the connection, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the connection and every listener.
func (s *Stream) Close() error {
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *Stream) readLoop() {
	var err error
	defer func() {
		s.mu.Lock()
		s.closed = true
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			s.err = err
		}
		for l := range s.listeners {
			close(l.events)
			delete(s.listeners, l)
		}
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		var event models.LiveEvent
		if err = s.conn.ReadJSON(&event); err != nil {
			return
		}
		s.dispatch(event)
	}
}

func (s *Stream) dispatch(event models.LiveEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		select {
		case l.events <- event:
		default:
			s.log.Warn("live listener full, event dropped", zap.Int64("message_id", event.Message.ID))
		}
	}
}

// Listener is one consumer of a Stream.
type Listener struct {
	stream *Stream
	events chan models.LiveEvent
}

func (l *Listener) Events() <-chan models.LiveEvent { return l.events }

// Cancel detaches the listener. Safe to call more than once.
func (l *Listener) Cancel() {
	s := l.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[l]; ok {
		delete(s.listeners, l)
		close(l.events)
	}
}
