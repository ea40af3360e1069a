package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerBackend wraps a Backend with a circuit breaker. While the breaker
// is open every operation fails fast, which the Cache treats as a miss and
// computes through.
type BreakerBackend struct {
	inner   Backend
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerBackend wraps a backend with standard trip settings: five
// consecutive failures open the breaker, half-open after 30 seconds.
func NewBreakerBackend(inner Backend, logger *logrus.Logger) *BreakerBackend {
	settings := gobreaker.Settings{
		Name:        "cache-backend",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Cache breaker state changed")
		},
	}
	return &BreakerBackend{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		value []byte
		found bool
	}
	out, err := b.breaker.Execute(func() (interface{}, error) {
		v, found, err := b.inner.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return result{value: v, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := out.(result)
	return r.value, r.found, nil
}

func (b *BreakerBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Set(ctx, key, value, ttl)
	})
	return err
}

func (b *BreakerBackend) Del(ctx context.Context, keys ...string) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Del(ctx, keys...)
	})
	return err
}

func (b *BreakerBackend) Incr(ctx context.Context, key string) (int64, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Incr(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

func (b *BreakerBackend) Counter(ctx context.Context, key string) (int64, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Counter(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

func (b *BreakerBackend) Ping(ctx context.Context) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Ping(ctx)
	})
	return err
}

func (b *BreakerBackend) Close() error { return b.inner.Close() }
