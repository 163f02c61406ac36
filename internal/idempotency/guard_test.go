package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/store/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newGuard() (*idempotency.Guard[idempotency.Tx], *memory.Store) {
	s := memory.New()
	g := idempotency.NewGuard[idempotency.Tx](memory.For[idempotency.Tx](s), event.Default(), idempotency.Deps{
		Clock: redstone.NewManualClock(t0),
	})
	return g, s
}

func confirmed(orderID string) idempotency.Result {
	e := event.New("evt-"+orderID, orderID, orderID, event.OrderConfirmed{OrderID: orderID}, t0)
	return idempotency.Result{Events: []event.Envelope{e}, Summary: json.RawMessage(`{"order_id":"` + orderID + `"}`)}
}

func TestDoRunsOncePerKey(t *testing.T) {
	g, s := newGuard()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context, idempotency.Tx) (idempotency.Result, error) {
		calls++
		return confirmed("o1"), nil
	}

	first, err := g.Do(ctx, idempotency.Op{Key: "k1"}, fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := g.Do(ctx, idempotency.Op{Key: "k1"}, fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, calls)
	assert.JSONEq(t, string(first.Result.Summary), string(second.Result.Summary))
	require.Len(t, second.Result.Events, 1)
	assert.Equal(t, "evt-o1", second.Result.Events[0].EventID)
	assert.Len(t, s.OutboxEntries(), 1, "replay without re-emit writes nothing")
}

func TestReemitAppendsCachedEventsAgain(t *testing.T) {
	g, s := newGuard()
	ctx := context.Background()
	fn := func(context.Context, idempotency.Tx) (idempotency.Result, error) { return confirmed("o1"), nil }

	_, err := g.Do(ctx, idempotency.Op{Key: "k1", Reemit: true}, fn)
	require.NoError(t, err)
	out, err := g.Do(ctx, idempotency.Op{Key: "k1", Reemit: true}, fn)
	require.NoError(t, err)
	assert.True(t, out.Replayed)

	entries := s.OutboxEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].EventID, entries[1].EventID, "re-emitted event keeps its id")
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestReusedKeyWithDifferentRequestConflicts(t *testing.T) {
	g, _ := newGuard()
	ctx := context.Background()
	fn := func(context.Context, idempotency.Tx) (idempotency.Result, error) { return confirmed("o1"), nil }

	h1, err := idempotency.Hash(map[string]any{"qty": 1})
	require.NoError(t, err)
	h2, err := idempotency.Hash(map[string]any{"qty": 2})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	_, err = g.Do(ctx, idempotency.Op{Key: "k1", RequestHash: h1}, fn)
	require.NoError(t, err)
	_, err = g.Do(ctx, idempotency.Op{Key: "k1", RequestHash: h2}, fn)
	assert.ErrorIs(t, err, idempotency.ErrKeyConflict)

	out, err := g.Do(ctx, idempotency.Op{Key: "k1", RequestHash: h1}, fn)
	require.NoError(t, err)
	assert.True(t, out.Replayed)
}

func TestFailedHandlerLeavesNoTrace(t *testing.T) {
	g, s := newGuard()
	ctx := context.Background()
	boom := errors.New("db timeout")

	_, err := g.Do(ctx, idempotency.Op{Key: "k1"}, func(ctx context.Context, tx idempotency.Tx) (idempotency.Result, error) {
		return confirmed("o1"), boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.OutboxEntries())

	out, err := g.Do(ctx, idempotency.Op{Key: "k1"}, func(context.Context, idempotency.Tx) (idempotency.Result, error) {
		return confirmed("o1"), nil
	})
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Len(t, s.OutboxEntries(), 1)
}

func TestCommitFailureRollsBackEverything(t *testing.T) {
	g, s := newGuard()
	ctx := context.Background()
	s.FailCommit = func() error { return errors.New("connection reset") }

	_, err := g.Do(ctx, idempotency.Op{Key: "k1"}, func(context.Context, idempotency.Tx) (idempotency.Result, error) {
		return confirmed("o1"), nil
	})
	require.Error(t, err)
	_, found, err := s.FindRecord(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, s.OutboxEntries())
}

func TestCorruptSnapshotIsFatal(t *testing.T) {
	g, s := newGuard()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx *memory.Tx) error {
		return tx.InsertRecord(ctx, idempotency.Record{Key: "k1", Snapshot: []byte(`{"events":["nope"]}`), CreatedAt: t0})
	}))

	_, err := g.Do(ctx, idempotency.Op{Key: "k1"}, func(context.Context, idempotency.Tx) (idempotency.Result, error) {
		t.Fatal("handler must not run for a recorded key")
		return idempotency.Result{}, nil
	})
	require.Error(t, err)
	assert.True(t, redstone.IsFatal(err))
}

func TestConcurrentCallsCommitOnce(t *testing.T) {
	g, s := newGuard()
	ctx := context.Background()
	var replayed atomic.Int32

	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			out, err := g.Do(ctx, idempotency.Op{Key: "k1"}, func(context.Context, idempotency.Tx) (idempotency.Result, error) {
				return confirmed("o1"), nil
			})
			if err != nil {
				return err
			}
			if out.Replayed {
				replayed.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(15), replayed.Load())
	assert.Len(t, s.OutboxEntries(), 1)
}

func TestWrapAbsorbsRepublishedEvent(t *testing.T) {
	g, s := newGuard()
	ctx := context.Background()
	calls := 0
	h := g.Wrap(idempotency.KeyByAggregate("notify"), func(ctx context.Context, _ idempotency.Tx, e event.Envelope) (idempotency.Result, error) {
		calls++
		return idempotency.Result{Events: []event.Envelope{
			e.Caused(fmt.Sprintf("out-%d", calls), event.OrderConfirmed{OrderID: e.AggregateID}, t0),
		}}, nil
	})

	a := event.New("evt-a", "o1", "o1", event.InventoryReserved{OrderID: "o1"}, t0)
	b := event.New("evt-b", "o1", "o1", event.InventoryReserved{OrderID: "o1"}, t0)
	require.NoError(t, h(ctx, a))
	require.NoError(t, h(ctx, b))

	assert.Equal(t, 1, calls)
	entries := s.OutboxEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "out-1", entries[1].EventID)
	assert.Equal(t, "notify:o1:inventory.reserved", idempotency.KeyByAggregate("notify")(a))
}
