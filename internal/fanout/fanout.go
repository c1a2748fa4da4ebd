// Package fanout maintains the cross-account IP index used for shared-IP
// detection.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const keyPrefix = "ip:accounts:"

// Index records which accounts were seen on which IP in a domain.Cache set.
// Lookups run behind a circuit breaker: once the cache keeps failing, calls
// return gobreaker.ErrOpenState immediately and the network dimension scores
// the IP as unknown.
type Index struct {
	cache   domain.Cache
	timeout time.Duration
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewIndex creates a fan-out index over cache.
func NewIndex(cache domain.Cache, cfg domain.NetworkLimits) *Index {
	timeout := cfg.FanoutLookupTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	ttl := cfg.FanoutTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	failures := cfg.FanoutBreakerFailures
	if failures <= 0 {
		failures = 5
	}
	cooldown := cfg.FanoutBreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fanout-index",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Index{cache: cache, timeout: timeout, ttl: ttl, breaker: breaker}
}

// AccountsForIP registers accountID against ip and returns the number of
// distinct accounts seen on ip. Registering is idempotent, so re-scoring an
// account does not inflate the count. The lookup is bounded by the configured
// timeout.
func (x *Index) AccountsForIP(ctx context.Context, ip, accountID string) (int, error) {
	v, err := x.breaker.Execute(func() (interface{}, error) {
		return x.addWithTimeout(ctx, ip, accountID)
	})
	if err != nil {
		return 0, fmt.Errorf("fan-out lookup for %s: %w", ip, err)
	}
	return int(v.(int64)), nil
}

func (x *Index) addWithTimeout(ctx context.Context, ip, accountID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := x.cache.AddToSet(ctx, key(ip), accountID, x.ttl)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// BreakerState reports the breaker state: closed, half-open or open.
func (x *Index) BreakerState() string {
	return x.breaker.State().String()
}

func key(ip string) string {
	return keyPrefix + ip
}
