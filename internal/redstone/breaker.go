package redstone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerPublisher stops hammering a broker that keeps failing. While the
// breaker is open Publish fails fast with ErrBrokerUnavailable, which the
// outbox treats as transient.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(name string, next Publisher, failures uint32, openTimeout time.Duration, log *Logger) *BreakerPublisher {
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", map[string]any{
				"breaker": name, "from": from.String(), "to": to.String(),
			})
		},
	}
	return &BreakerPublisher{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (p *BreakerPublisher) Publish(ctx context.Context, m Message) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, m)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return err
}

func (p *BreakerPublisher) State() string { return p.cb.State().String() }
