package attachments

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerResolver stops calling a failing store for a cool-down period so
// that sends fail fast instead of waiting on upload timeouts.
type BreakerResolver struct {
	next Resolver
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerResolver(next Resolver, log *zap.Logger) *BreakerResolver {
	settings := gobreaker.Settings{
		Name:        "attachment-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsRejection(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerResolver{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerResolver) Resolve(ctx context.Context, upload Upload) (string, error) {
	url, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Resolve(ctx, upload)
	})
	if err != nil {
		return "", err
	}
	return url.(string), nil
}

func (b *BreakerResolver) Discard(ctx context.Context, url string) error {
	return b.next.Discard(ctx, url)
}
