package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dm-service/internal/models"
)

// NewRedisClient parses redisURL, falling back to treating it as a plain
// address, and pings the server once.
func NewRedisClient(ctx context.Context, redisURL string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 500 * time.Millisecond

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

// LocalSessions receives what the relay loop reads from Redis.
type LocalSessions interface {
	DeliverLocal(event models.LiveEvent) bool
	EvictLocal(userID int64, openedAt time.Time) bool
}

const (
	relayKindMessage  = "message"
	relayKindTakeover = "takeover"
)

// relayEnvelope is the payload on the relay channel.
type relayEnvelope struct {
	Kind     string            `json:"kind"`
	Origin   string            `json:"origin"`
	Event    *models.LiveEvent `json:"event,omitempty"`
	UserID   int64             `json:"user_id,omitempty"`
	OpenedAt time.Time         `json:"opened_at"`
}

// RedisRelay relays live events and session takeovers between instances over
// a Redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	log     *zap.Logger
}

// NewRedisRelay builds a relay on channel "<prefix>:live".
func NewRedisRelay(client *redis.Client, prefix string, log *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: relayChannel(prefix), origin: uuid.NewString(), log: log}
}

func relayChannel(prefix string) string {
	if prefix == "" {
		prefix = "dm"
	}
	return prefix + ":live"
}

// Publish sends the event to every subscribed instance, this one included.
func (r *RedisRelay) Publish(ctx context.Context, event models.LiveEvent) error {
	return r.send(ctx, relayEnvelope{Kind: relayKindMessage, Event: &event})
}

// Takeover tells the other instances that userID opened a session here.
func (r *RedisRelay) Takeover(ctx context.Context, userID int64, openedAt time.Time) error {
	return r.send(ctx, relayEnvelope{Kind: relayKindTakeover, UserID: userID, OpenedAt: openedAt.UTC()})
}

func (r *RedisRelay) send(ctx context.Context, env relayEnvelope) error {
	env.Origin = r.origin
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run consumes the relay channel until ctx is cancelled. Takeovers published
// by this relay are skipped.
func (r *RedisRelay) Run(ctx context.Context, local LocalSessions) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("live relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeRelayed(msg.Payload)
			if err != nil {
				r.log.Warn("discarding malformed relayed event", zap.Error(err))
				continue
			}
			switch env.Kind {
			case relayKindMessage:
				local.DeliverLocal(*env.Event)
			case relayKindTakeover:
				if env.Origin != r.origin {
					local.EvictLocal(env.UserID, env.OpenedAt)
				}
			}
		}
	}
}

func decodeRelayed(payload string) (relayEnvelope, error) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return relayEnvelope{}, err
	}
	switch env.Kind {
	case relayKindMessage:
		if env.Event == nil || env.Event.Type != models.LiveEventMessage || env.Event.Message.ReceiverID == 0 {
			return relayEnvelope{}, errors.New("malformed relayed message")
		}
	case relayKindTakeover:
		if env.UserID == 0 || env.OpenedAt.IsZero() {
			return relayEnvelope{}, errors.New("malformed relayed takeover")
		}
	default:
		return relayEnvelope{}, fmt.Errorf("unexpected relay kind %q", env.Kind)
	}
	return env, nil
}
