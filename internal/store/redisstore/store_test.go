package redisstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/notification"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/store/redisstore"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func setup(t *testing.T) (*miniredis.Miniredis, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, redisstore.New(rdb, "idem:", time.Hour)
}

func TestRecordWrittenOnceWithTTL(t *testing.T) {
	mr, store := setup(t)
	ctx := context.Background()
	rec := idempotency.Record{Key: "k1", RequestHash: "h", Snapshot: []byte(`{"summary":{}}`), CreatedAt: time.Now().UTC()}

	err := store.InTx(ctx, func(ctx context.Context, tx idempotency.Tx) error { return tx.InsertRecord(ctx, rec) })
	require.NoError(t, err)
	assert.True(t, mr.Exists("idem:k1"))
	assert.Equal(t, time.Hour, mr.TTL("idem:k1"))

	err = store.InTx(ctx, func(ctx context.Context, tx idempotency.Tx) error { return tx.InsertRecord(ctx, rec) })
	assert.ErrorIs(t, err, idempotency.ErrDuplicateKey)

	got, found, err := store.FindRecord(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.Snapshot, got.Snapshot)
	assert.Equal(t, "h", got.RequestHash)

	_, found, err = store.FindRecord(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFailedHandlerWritesNothing(t *testing.T) {
	mr, store := setup(t)
	err := store.InTx(context.Background(), func(ctx context.Context, tx idempotency.Tx) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, mr.Keys())
}

func TestOutboxEntriesRejected(t *testing.T) {
	_, store := setup(t)
	err := store.InTx(context.Background(), func(ctx context.Context, tx idempotency.Tx) error {
		return tx.AppendOutbox(ctx, outbox.Entry{ID: "x"})
	})
	assert.ErrorIs(t, err, redisstore.ErrNoOutbox)
}

func TestNotificationSentOncePerEvent(t *testing.T) {
	_, store := setup(t)
	sink := &recordingNotifier{}
	h := notification.NewService(store, sink, event.Default(), idempotency.Deps{}).Handler()

	now := time.Now().UTC()
	confirmed := event.New("evt-1", "ord-1", "corr-1", event.OrderConfirmed{OrderID: "ord-1"}, now)
	require.NoError(t, h(context.Background(), confirmed))
	require.NoError(t, h(context.Background(), confirmed))

	redelivered := confirmed
	redelivered.EventID = "evt-1-republished"
	require.NoError(t, h(context.Background(), redelivered))

	require.Len(t, sink.sent, 1)
	assert.Equal(t, "ord-1", sink.sent[0].OrderID)
	assert.Equal(t, event.TypeOrderConfirmed, sink.sent[0].Kind)
	assert.Contains(t, sink.sent[0].Message, "confirmed")
}
