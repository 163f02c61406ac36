// Package deadletter bounds failure handling for inbound messages. Every
// message either succeeds, is retried a limited number of times with a
// growing delay, or lands in the dead-letter store for an operator.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/redstone"
)

type Source string

const (
	SourceConsumer Source = "consumer"
	SourceOutbox   Source = "outbox"
)

type Reason string

const (
	ReasonPoison        Reason = "poison"
	ReasonExhausted     Reason = "exhausted"
	ReasonPublishFailed Reason = "publish_failed"
)

// State is where a single delivery ended up.
type State string

const (
	StateSucceeded    State = "succeeded"
	StateRetrying     State = "retrying"
	StateDeadLettered State = "dead_lettered"
	StateSkipped      State = "skipped"
	StateRequeued     State = "requeued"
)

var (
	ErrPoison     = errors.New("poison message")
	ErrNotFound   = errors.New("dead letter not found")
	ErrNoRequeuer = errors.New("no outbox to requeue into")
)

// Poison marks err as permanent. The message is dead-lettered at once
// without spending its retry budget.
func Poison(err error) error {
	return fmt.Errorf("%w: %w", ErrPoison, err)
}

func IsPoison(err error) bool {
	return errors.Is(err, ErrPoison) || event.IsDecodeError(err)
}

// Letter is a message parked for an operator, stored exactly as received.
type Letter struct {
	ID             string           `json:"id"`
	Source         Source           `json:"source"`
	Group          string           `json:"consumer_group"`
	Message        redstone.Message `json:"message"`
	Attempts       int              `json:"attempts"`
	Reason         Reason           `json:"reason"`
	LastError      string           `json:"last_error"`
	OutboxID       string           `json:"outbox_entry_id,omitempty"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
	ReplayedAt     *time.Time       `json:"replayed_at,omitempty"`
}

// Retry is a delivery waiting for its next attempt.
type Retry struct {
	ID        string
	Group     string
	Message   redstone.Message
	Attempt   int
	DueAt     time.Time
	LastError string
	CreatedAt time.Time
}

type Store interface {
	PutDeadLetter(ctx context.Context, l Letter) error
	GetDeadLetter(ctx context.Context, id string) (Letter, error)
	// ListDeadLetters returns the newest letters first.
	ListDeadLetters(ctx context.Context, limit int) ([]Letter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	CountDeadLetters(ctx context.Context) (int, error)
}

// RetryStore persists pending retries so they survive restarts.
type RetryStore interface {
	ScheduleRetry(ctx context.Context, r Retry) error
	// ClaimDueRetries leases due retries of group to worker.
	ClaimDueRetries(ctx context.Context, group, worker string, now time.Time, lease time.Duration, limit int) ([]Retry, error)
	RescheduleRetry(ctx context.Context, id string, attempt int, due time.Time, lastErr string) error
	DeleteRetry(ctx context.Context, id string) error
	CountRetries(ctx context.Context) (int, error)
}

// Requeuer puts a failed outbox entry back in line.
type Requeuer interface {
	Requeue(ctx context.Context, id string, now time.Time) error
}
