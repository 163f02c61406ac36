package outbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/store/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	entries []outbox.Entry
	causes  []error
}

func (s *recordingSink) RecordPublishFailure(_ context.Context, e outbox.Entry, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	s.causes = append(s.causes, cause)
	return nil
}

type fixture struct {
	store  *memory.Store
	broker *redstone.MemoryBroker
	clock  *redstone.ManualClock
	sink   *recordingSink
	pub    *outbox.Publisher
	codec  *event.Registry
}

func newFixture(t *testing.T, cfg outbox.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		broker: redstone.NewMemoryBroker(),
		clock:  redstone.NewManualClock(t0),
		sink:   &recordingSink{},
		codec:  event.Default(),
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "w1"
	}
	f.pub = outbox.NewPublisher(f.store, f.broker, cfg,
		outbox.WithClock(f.clock),
		outbox.WithFailureSink(f.sink),
	)
	return f
}

// add writes one entry per order id, in order, and returns the entry ids.
func (f *fixture) add(t *testing.T, orderIDs ...string) []string {
	t.Helper()
	var ids []string
	base := len(f.store.OutboxEntries())
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx *memory.Tx) error {
		for _, orderID := range orderIDs {
			n := base + len(ids) + 1
			e := event.New(fmt.Sprintf("evt-%d", n), orderID, orderID, event.OrderConfirmed{OrderID: orderID}, f.clock.Now())
			entry, err := outbox.NewEntry(ctx, f.codec, fmt.Sprintf("ob-%d", n), e, f.clock.Now())
			if err != nil {
				return err
			}
			if err := tx.AppendOutbox(ctx, entry); err != nil {
				return err
			}
			ids = append(ids, entry.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func (f *fixture) entry(t *testing.T, id string) outbox.Entry {
	t.Helper()
	e, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func keys(msgs []redstone.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Header(redstone.HeaderEventID)
	}
	return out
}

func TestPublishesInInsertionOrder(t *testing.T) {
	f := newFixture(t, outbox.Config{})
	ids := f.add(t, "o1", "o2", "o1")

	n, err := f.pub.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, keys(f.broker.Published()))

	for _, id := range ids {
		e := f.entry(t, id)
		assert.Equal(t, outbox.StatusPublished, e.Status)
		require.NotNil(t, e.PublishedAt)
	}
	m := f.broker.Published()[0]
	assert.Equal(t, "o1", m.Key)
	assert.Equal(t, "order.confirmed", m.EventType())

	n, err = f.pub.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "published entries are never sent twice")
}

func TestFailedPublishBacksOff(t *testing.T) {
	f := newFixture(t, outbox.Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5})
	ids := f.add(t, "o1")
	f.broker.FailWith(func(redstone.Message) error { return redstone.ErrBrokerUnavailable })

	_, err := f.pub.RunOnce(context.Background())
	require.NoError(t, err)
	e := f.entry(t, ids[0])
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, t0.Add(time.Second), e.NextAttemptAt)
	assert.Contains(t, e.LastError, "broker unavailable")

	f.broker.FailWith(nil)
	n, err := f.pub.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "entry is not due yet")

	f.clock.Advance(time.Second)
	n, err = f.pub.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, outbox.StatusPublished, f.entry(t, ids[0]).Status)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	p := outbox.NewPublisher(memory.New(), redstone.NewMemoryBroker(),
		outbox.Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second})
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(40))
}

func TestExhaustedEntryFailsAndIsHandedOff(t *testing.T) {
	f := newFixture(t, outbox.Config{BaseDelay: time.Second, MaxAttempts: 2})
	ids := f.add(t, "o1")
	boom := errors.New("topic does not exist")
	f.broker.FailWith(func(redstone.Message) error { return boom })
	ctx := context.Background()

	_, err := f.pub.RunOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.pub.RunOnce(ctx)
	require.NoError(t, err)

	e := f.entry(t, ids[0])
	assert.Equal(t, outbox.StatusFailed, e.Status)
	assert.Equal(t, 2, e.RetryCount)
	require.Len(t, f.sink.entries, 1)
	assert.Equal(t, ids[0], f.sink.entries[0].ID)
	assert.Equal(t, outbox.StatusFailed, f.sink.entries[0].Status)
	assert.ErrorIs(t, f.sink.causes[0], boom)

	f.clock.Advance(time.Hour)
	n, err := f.pub.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed entries are not retried automatically")

	d, err := f.store.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Depth{Failed: 1}, d)

	f.broker.FailWith(nil)
	require.NoError(t, f.store.Requeue(ctx, ids[0], f.clock.Now()))
	assert.ErrorIs(t, f.store.Requeue(ctx, ids[0], f.clock.Now()), outbox.ErrNotFailed)
	n, err = f.pub.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailureBlocksLaterEntriesOfSameAggregate(t *testing.T) {
	f := newFixture(t, outbox.Config{BaseDelay: time.Second})
	ids := f.add(t, "o1", "o2", "o1")
	f.broker.FailWith(func(m redstone.Message) error {
		if m.Header(redstone.HeaderEventID) == "evt-1" {
			return errors.New("timeout")
		}
		return nil
	})
	ctx := context.Background()

	n, err := f.pub.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evt-2"}, keys(f.broker.Published()))

	later := f.entry(t, ids[2])
	assert.Equal(t, outbox.StatusPending, later.Status)
	assert.Zero(t, later.RetryCount)

	// The backing-off head still holds the aggregate back.
	f.broker.FailWith(nil)
	n, err = f.pub.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Second)
	n, err = f.pub.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt-2", "evt-1", "evt-3"}, keys(f.broker.Published()))
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	f := newFixture(t, outbox.Config{Lease: 30 * time.Second})
	ids := f.add(t, "o1")
	ctx := context.Background()

	// A worker claims the entry and dies before publishing.
	claimed, err := f.store.Claim(ctx, outbox.ClaimRequest{Worker: "crashed", Limit: 10, Now: t0, Lease: 30 * time.Second})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := f.pub.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "live lease is respected")

	f.clock.Advance(31 * time.Second)
	n, err = f.pub.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = f.store.MarkPublished(ctx, ids[0], "crashed", f.clock.Now())
	assert.ErrorIs(t, err, outbox.ErrLeaseLost)
	assert.Len(t, f.broker.Published(), 1)
}

func TestEntryCarriesTraceAndEnvelopeHeaders(t *testing.T) {
	f := newFixture(t, outbox.Config{})
	ids := f.add(t, "o9")
	e := f.entry(t, ids[0])

	assert.Equal(t, "evt-1", e.Headers[redstone.HeaderEventID])
	assert.Equal(t, "o9", e.Headers[redstone.HeaderCorrelationID])
	assert.Equal(t, "1", e.Headers[redstone.HeaderSchemaVersion])

	got, err := f.codec.Deserialize(e.Body)
	require.NoError(t, err)
	assert.Equal(t, event.OrderConfirmed{OrderID: "o9"}, got.Payload)
}
