package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/observability"
	"dm-service/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Subscriptions opens and releases live feeds.
type Subscriptions interface {
	Subscribe(userID int64) *session.Feed
	Unsubscribe(feed *session.Feed)
}

// TokenValidator resolves a bearer token to the caller's user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

// LiveHandler upgrades authenticated callers to a websocket that carries
// their live message events.
type LiveHandler struct {
	subs      Subscriptions
	validator TokenValidator
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

// NewLiveHandler constructs a LiveHandler.
func NewLiveHandler(subs Subscriptions, validator TokenValidator, log *zap.Logger) *LiveHandler {
	return &LiveHandler{
		subs:      subs,
		validator: validator,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection and binds the caller's feed to it.
func (h *LiveHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		parsed, err := auth.ParseBearerToken(header)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}
		token = parsed
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	userID, err := h.validator.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.Int64("dm.user_id", userID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	feed := h.subs.Subscribe(userID)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publish(ctx, info, "ws_connect", "")
	h.log.Debug("live session opened", zap.Int64("user_id", userID), zap.String("conn_id", info.ConnID))

	// The request context ends with the handler; lifecycle events after this
	// point are published on a detached context.
	eventsCtx := context.WithoutCancel(ctx)
	go h.writePump(conn, feed, info)
	go h.readLoop(eventsCtx, conn, feed, info)
}

// writePump is the only writer on conn. It exits when the feed closes or a
// write fails, and closing conn ends the read loop.
func (h *LiveHandler) writePump(conn *websocket.Conn, feed *session.Feed, info ConnInfo) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-feed.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Cancelled, or replaced by a newer session for the same user.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.log.Debug("live write failed", zap.String("conn_id", info.ConnID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames to service pongs and detect the close, then
// releases the feed.
func (h *LiveHandler) readLoop(ctx context.Context, conn *websocket.Conn, feed *session.Feed, info ConnInfo) {
	var closeReason string
	defer func() {
		h.subs.Unsubscribe(feed)
		conn.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publish(ctx, info, "ws_disconnect", closeReason)
		h.log.Debug("live session closed", zap.Int64("user_id", info.UserID), zap.String("conn_id", info.ConnID), zap.String("reason", closeReason))
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				h.publish(ctx, info, "ws_error", closeReason)
			}
			return
		}
	}
}

func (h *LiveHandler) publish(ctx context.Context, info ConnInfo, event, reason string) {
	if err := observability.PublishEvent(ctx, observability.RoutingKeyWSEvents, info.lifecycleEvent(event, reason), info.headers()); err != nil {
		h.log.Debug("ws event publish failed", zap.String("event", event), zap.Error(err))
	}
}
