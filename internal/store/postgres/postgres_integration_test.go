//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/saga"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ordersaga"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx, CoreTables, OrderTables, InventoryTables, PaymentTables, ShippingTables))
	return db
}

func pendingEntry(t *testing.T, codec *event.Registry, id, aggregate string, at time.Time) outbox.Entry {
	t.Helper()
	env := event.New("evt-"+id, aggregate, "corr-"+aggregate, event.OrderConfirmed{OrderID: aggregate}, at)
	e, err := outbox.NewEntry(context.Background(), codec, id, env, at)
	require.NoError(t, err)
	return e
}

func TestOutboxClaimKeepsAggregateOrder(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	codec := event.Default()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, db.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.AppendOutbox(ctx,
			pendingEntry(t, codec, "a1", "order-a", now),
			pendingEntry(t, codec, "b1", "order-b", now),
			pendingEntry(t, codec, "a2", "order-a", now),
		)
	}))

	first, err := db.Claim(ctx, outbox.ClaimRequest{Worker: "w1", Limit: 1, Now: now, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "a1", first[0].ID)

	// a2 waits behind the leased a1; b1 is free.
	second, err := db.Claim(ctx, outbox.ClaimRequest{Worker: "w2", Limit: 10, Now: now, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "b1", second[0].ID)

	assert.ErrorIs(t, db.MarkPublished(ctx, "a1", "w2", now), outbox.ErrLeaseLost)
	require.NoError(t, db.MarkPublished(ctx, "a1", "w1", now))

	third, err := db.Claim(ctx, outbox.ClaimRequest{Worker: "w1", Limit: 10, Now: now, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "a2", third[0].ID)
	assert.Equal(t, "order-a", third[0].Headers[redstone.HeaderAggregateID])

	require.NoError(t, db.MarkFailed(ctx, "a2", "w1", 5, "broker down"))
	require.NoError(t, db.Requeue(ctx, "a2", now))
	assert.ErrorIs(t, db.Requeue(ctx, "a2", now), outbox.ErrNotFailed)
	assert.ErrorIs(t, db.Requeue(ctx, "missing", now), outbox.ErrNotFound)

	depth, err := db.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Depth{Pending: 1, Published: 1}, depth)
}

func TestOutboxConcurrentClaimsNeverOverlap(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	codec := event.Default()
	now := time.Now().UTC()

	require.NoError(t, db.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		for i := 0; i < 40; i++ {
			id := redstone.UUIDGenerator{}.NewID()
			if err := tx.AppendOutbox(ctx, pendingEntry(t, codec, id, id, now)); err != nil {
				return err
			}
		}
		return nil
	}))

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		worker := string(rune('a' + w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				got, err := db.Claim(ctx, outbox.ClaimRequest{Worker: worker, Limit: 5, Now: now, Lease: time.Minute})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, e := range got {
					prev, dup := seen[e.ID]
					assert.False(t, dup, "entry %s claimed by %s and %s", e.ID, prev, worker)
					seen[e.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 10; i++ {
		got, err := db.Claim(ctx, outbox.ClaimRequest{Worker: "sweeper", Limit: 40, Now: now, Lease: time.Minute})
		require.NoError(t, err)
		for _, e := range got {
			_, dup := seen[e.ID]
			assert.False(t, dup)
			seen[e.ID] = "sweeper"
		}
	}
	assert.Len(t, seen, 40)
}

func TestIdempotencyRecordDuplicate(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	rec := idempotency.Record{Key: "k", RequestHash: "h", Snapshot: []byte(`{}`), CreatedAt: time.Now().UTC()}

	require.NoError(t, db.InTx(ctx, func(ctx context.Context, tx *Tx) error { return tx.InsertRecord(ctx, rec) }))
	err := db.InTx(ctx, func(ctx context.Context, tx *Tx) error { return tx.InsertRecord(ctx, rec) })
	assert.ErrorIs(t, err, idempotency.ErrDuplicateKey)

	got, found, err := db.FindRecord(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "h", got.RequestHash)
}

func TestOrderVersionCheck(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := saga.Order{
		ID:          "ord-1",
		CustomerID:  "cust-1",
		Items:       []event.Item{{ProductID: "SKU-1", Quantity: 2, Price: decimal.RequireFromString("25.00")}},
		TotalAmount: decimal.RequireFromString("50.00"),
		Currency:    "USD",
		Status:      saga.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, db.InTx(ctx, func(ctx context.Context, tx *Tx) error { return tx.InsertOrder(ctx, o) }))

	err := db.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		next := o
		next.Status = saga.StatusInventoryReserved
		next.Version = 2
		return tx.UpdateOrder(ctx, next, 5)
	})
	assert.ErrorIs(t, err, saga.ErrConcurrentUpdate)

	got, err := db.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.Equal(o.TotalAmount))
	assert.Equal(t, saga.StatusPending, got.Status)

	_, err = db.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, saga.ErrOrderNotFound)
}

func TestRetryClaimAndDeadLetters(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	msg := redstone.Message{Key: "ord-1", Value: []byte(`{}`), Headers: map[string]string{redstone.HeaderEventType: "order.placed"}}

	require.NoError(t, db.ScheduleRetry(ctx, deadletter.Retry{ID: "r1", Group: "g", Message: msg, Attempt: 1, DueAt: now, CreatedAt: now}))
	due, err := db.ClaimDueRetries(ctx, "g", "w1", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	again, err := db.ClaimDueRetries(ctx, "g", "w2", now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, db.PutDeadLetter(ctx, deadletter.Letter{
		ID: "dl1", Source: deadletter.SourceConsumer, Group: "g", Message: msg, Attempts: 4,
		Reason: deadletter.ReasonExhausted, LastError: "boom", DeadLetteredAt: now,
	}))
	l, err := db.GetDeadLetter(ctx, "dl1")
	require.NoError(t, err)
	assert.Equal(t, msg.Value, l.Message.Value)
	assert.Equal(t, "order.placed", l.Message.EventType())
	require.NoError(t, db.MarkReplayed(ctx, "dl1", now))
	n, err := db.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
