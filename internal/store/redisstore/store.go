// Package redisstore keeps idempotency records in Redis for services that
// own no relational state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/outbox"
)

var ErrNoOutbox = errors.New("redis store cannot hold outbox entries")

type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New stores records under prefix. A zero ttl keeps them forever.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

type record struct {
	RequestHash string    `json:"request_hash"`
	Snapshot    []byte    `json:"snapshot"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) FindRecord(ctx context.Context, key string) (idempotency.Record, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return idempotency.Record{Key: key, RequestHash: r.RequestHash, Snapshot: r.Snapshot, CreatedAt: r.CreatedAt}, true, nil
}

// Tx buffers the record; InTx writes it with SETNX once fn succeeds.
type Tx struct {
	rec *idempotency.Record
}

func (t *Tx) AppendOutbox(_ context.Context, entries ...outbox.Entry) error {
	if len(entries) > 0 {
		return ErrNoOutbox
	}
	return nil
}

func (t *Tx) InsertRecord(_ context.Context, r idempotency.Record) error {
	if t.rec != nil {
		return fmt.Errorf("record %s already buffered", t.rec.Key)
	}
	t.rec = &r
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx idempotency.Tx) error) error {
	tx := &Tx{}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.rec == nil {
		return nil
	}
	raw, err := json.Marshal(record{RequestHash: tx.rec.RequestHash, Snapshot: tx.rec.Snapshot, CreatedAt: tx.rec.CreatedAt})
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.key(tx.rec.Key), raw, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return idempotency.ErrDuplicateKey
	}
	return nil
}

// Ping backs the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

var _ idempotency.Store[idempotency.Tx] = (*Store)(nil)
