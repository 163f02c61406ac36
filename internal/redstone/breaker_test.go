package redstone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingPublisher struct {
	calls int
	err   error
}

func (p *countingPublisher) Publish(context.Context, Message) error {
	p.calls++
	return p.err
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &countingPublisher{err: errors.New("connection refused")}
	log, logs := NewObservedLogger("test")
	p := NewBreakerPublisher("kafka", next, 2, time.Minute, log)
	ctx := context.Background()

	assert.Error(t, p.Publish(ctx, Message{}))
	assert.Error(t, p.Publish(ctx, Message{}))
	assert.Equal(t, "open", p.State())

	err := p.Publish(ctx, Message{})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 2, next.calls, "open breaker must not reach the broker")
	assert.Equal(t, 1, logs.FilterMessage("circuit breaker state changed").Len())
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	next := &countingPublisher{}
	p := NewBreakerPublisher("kafka", next, 3, time.Minute, NewNopLogger())
	assert.NoError(t, p.Publish(context.Background(), Message{}))
	assert.Equal(t, "closed", p.State())
}
