// Package outbox stores events next to the business write that produced them
// and relays them to the broker afterwards.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/redstone"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound  = errors.New("outbox entry not found")
	ErrLeaseLost = errors.New("outbox entry lease lost")
	ErrNotFailed = errors.New("outbox entry is not failed")
)

type Entry struct {
	ID            string
	Seq           int64
	EventID       string
	EventType     event.Type
	AggregateID   string
	Body          []byte
	Headers       map[string]string
	Status        Status
	CreatedAt     time.Time
	PublishedAt   *time.Time
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
}

// NewEntry serializes e into a pending entry. The trace context of ctx is
// stored with it so consumers can continue the trace.
func NewEntry(ctx context.Context, codec *event.Registry, id string, e event.Envelope, now time.Time) (Entry, error) {
	body, err := codec.Serialize(e)
	if err != nil {
		return Entry{}, fmt.Errorf("serialize %s: %w", e.Type, err)
	}
	headers := map[string]string{
		redstone.HeaderEventID:       e.EventID,
		redstone.HeaderEventType:     string(e.Type),
		redstone.HeaderAggregateID:   e.AggregateID,
		redstone.HeaderCorrelationID: e.CorrelationID,
		redstone.HeaderSchemaVersion: strconv.Itoa(e.SchemaVersion),
	}
	redstone.InjectTrace(ctx, headers)
	return Entry{
		ID:            id,
		EventID:       e.EventID,
		EventType:     e.Type,
		AggregateID:   e.AggregateID,
		Body:          body,
		Headers:       headers,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// NewEntries is NewEntry for a batch, preserving order.
func NewEntries(ctx context.Context, codec *event.Registry, ids redstone.IDGenerator, events []event.Envelope, now time.Time) ([]Entry, error) {
	out := make([]Entry, 0, len(events))
	for _, e := range events {
		entry, err := NewEntry(ctx, codec, ids.NewID(), e, now)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (e Entry) Message() redstone.Message {
	h := make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		h[k] = v
	}
	return redstone.Message{Key: e.AggregateID, Value: e.Body, Headers: h}
}

// Writer appends entries inside the caller's transaction.
type Writer interface {
	AppendOutbox(ctx context.Context, entries ...Entry) error
}

type ClaimRequest struct {
	Worker string
	Limit  int
	Now    time.Time
	Lease  time.Duration
}

type Depth struct {
	Pending   int `json:"pending"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Store is the publisher side of the outbox table.
//
// Claim leases up to Limit pending entries that are due, oldest first. An
// entry is only eligible when no older pending entry of the same aggregate
// is backing off or leased, which keeps per-aggregate order. Concurrent
// callers never receive the same entry while its lease is live.
type Store interface {
	Claim(ctx context.Context, req ClaimRequest) ([]Entry, error)
	MarkPublished(ctx context.Context, id, worker string, at time.Time) error
	MarkRetry(ctx context.Context, id, worker string, retryCount int, lastErr string, next time.Time) error
	MarkFailed(ctx context.Context, id, worker string, retryCount int, lastErr string) error
	Release(ctx context.Context, id, worker string) error
	// Requeue moves a failed entry back to pending with a fresh retry budget.
	Requeue(ctx context.Context, id string, now time.Time) error
	Get(ctx context.Context, id string) (Entry, error)
	Depth(ctx context.Context) (Depth, error)
}
