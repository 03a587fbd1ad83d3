package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is a direct message between two users. It is never updated after
// the store creates it.
type Message struct {
	ID            int64     `db:"id" json:"id"`
	SenderID      int64     `db:"sender_id" json:"sender_id"`
	ReceiverID    int64     `db:"receiver_id" json:"receiver_id"`
	PairKey       string    `db:"pair_key" json:"-"`
	Text          *string   `db:"text" json:"text"`
	AttachmentURL *string   `db:"attachment_url" json:"attachment_url"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Before reports whether m sorts strictly before other in conversation order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Cursor points at a position in a conversation. Listing "before" a cursor
// returns only rows that sort strictly earlier.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// CursorOf returns the cursor positioned on m.
func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Encode renders the cursor as an opaque token for query strings.
func (c Cursor) Encode() string {
	return strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + "_" + strconv.FormatInt(c.ID, 10)
}

// ParseCursor reverses Encode.
func ParseCursor(raw string) (Cursor, error) {
	ts, id, ok := strings.Cut(raw, "_")
	if !ok {
		return Cursor{}, fmt.Errorf("malformed cursor %q", raw)
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	msgID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor id: %w", err)
	}
	return Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: msgID}, nil
}

// LiveEvent is pushed over a live connection to the receiver of a message.
type LiveEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// LiveEventMessage is the only event type the bus carries.
const LiveEventMessage = "message"

// NewLiveEvent wraps a freshly stored message.
func NewLiveEvent(msg Message) LiveEvent {
	return LiveEvent{Type: LiveEventMessage, Message: msg}
}
