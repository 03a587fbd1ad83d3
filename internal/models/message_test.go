package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBeforeBreaksTiesByID(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := Message{ID: 1, CreatedAt: at}
	b := Message{ID: 2, CreatedAt: at}
	c := Message{ID: 0, CreatedAt: at.Add(time.Microsecond)}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
	assert.False(t, a.Before(a))
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	cur := CursorOf(Message{ID: 42, CreatedAt: at})

	parsed, err := ParseCursor(cur.Encode())
	require.NoError(t, err)
	assert.True(t, parsed.CreatedAt.Equal(at))
	assert.Equal(t, int64(42), parsed.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "abc", "12_x", "x_12"} {
		_, err := ParseCursor(raw)
		assert.Error(t, err, raw)
	}
}
