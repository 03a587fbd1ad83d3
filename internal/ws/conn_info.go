package ws

import (
	"time"

	"dm-service/internal/observability"
)

type ConnInfo struct {
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// lifecycleEvent builds the ws_events envelope for a connection state change.
func (info ConnInfo) lifecycleEvent(event, reason string) observability.EventEnvelope {
	duration := int64(0)
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	return observability.NewEnvelope("ws_events", event, map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        "live",
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	})
}

func (info ConnInfo) headers() map[string]string {
	return observability.BuildHeaders(info.RequestID, info.TraceID)
}
