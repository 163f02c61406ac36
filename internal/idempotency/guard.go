// Package idempotency makes handlers safe to run more than once. A handler's
// business write, its outbound events and its idempotency record commit in
// one transaction, so a second delivery finds the record and does nothing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/redstone"
)

var (
	// ErrDuplicateKey is returned by InsertRecord when the key already
	// exists. The guard rolls back and treats the operation as done.
	ErrDuplicateKey = errors.New("idempotency key already recorded")
	ErrKeyConflict  = errors.New("idempotency key reused with a different request")
)

type Record struct {
	Key         string
	RequestHash string
	Snapshot    []byte
	CreatedAt   time.Time
}

// Result is what a handler produced: the events to emit and an optional
// summary returned to synchronous callers.
type Result struct {
	Events  []event.Envelope
	Summary json.RawMessage
}

type Tx interface {
	outbox.Writer
	InsertRecord(ctx context.Context, r Record) error
}

type Store[TX Tx] interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx TX) error) error
	FindRecord(ctx context.Context, key string) (Record, bool, error)
}

type Op struct {
	Key         string
	RequestHash string
	// Reemit appends the cached events to the outbox again when the key
	// was already processed.
	Reemit bool
}

type Outcome struct {
	Result   Result
	Replayed bool
}

type Deps struct {
	Clock redstone.Clock
	IDs   redstone.IDGenerator
	Log   *redstone.Logger
}

type Guard[TX Tx] struct {
	store Store[TX]
	codec *event.Registry
	clock redstone.Clock
	ids   redstone.IDGenerator
	log   *redstone.Logger
}

func NewGuard[TX Tx](store Store[TX], codec *event.Registry, deps Deps) *Guard[TX] {
	g := &Guard[TX]{store: store, codec: codec, clock: deps.Clock, ids: deps.IDs, log: deps.Log}
	if g.clock == nil {
		g.clock = redstone.SystemClock{}
	}
	if g.ids == nil {
		g.ids = redstone.UUIDGenerator{}
	}
	if g.log == nil {
		g.log = redstone.NewNopLogger()
	}
	return g
}

// Do runs fn at most once per op.Key.
func (g *Guard[TX]) Do(ctx context.Context, op Op, fn func(ctx context.Context, tx TX) (Result, error)) (Outcome, error) {
	rec, found, err := g.store.FindRecord(ctx, op.Key)
	if err != nil {
		return Outcome{}, fmt.Errorf("find idempotency record %s: %w", op.Key, err)
	}
	if found {
		return g.replay(ctx, op, rec, op.Reemit)
	}

	var res Result
	err = g.store.InTx(ctx, func(ctx context.Context, tx TX) error {
		out, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		now := g.clock.Now()
		if len(out.Events) > 0 {
			entries, err := outbox.NewEntries(ctx, g.codec, g.ids, out.Events, now)
			if err != nil {
				return err
			}
			if err := tx.AppendOutbox(ctx, entries...); err != nil {
				return fmt.Errorf("append outbox: %w", err)
			}
		}
		snap, err := encodeSnapshot(g.codec, out)
		if err != nil {
			return err
		}
		if err := tx.InsertRecord(ctx, Record{Key: op.Key, RequestHash: op.RequestHash, Snapshot: snap, CreatedAt: now}); err != nil {
			return err
		}
		res = out
		return nil
	})
	if errors.Is(err, ErrDuplicateKey) {
		// Lost a race with a concurrent delivery. The winner already emitted.
		rec, found, ferr := g.store.FindRecord(ctx, op.Key)
		if ferr != nil {
			return Outcome{}, fmt.Errorf("find idempotency record %s: %w", op.Key, ferr)
		}
		if !found {
			return Outcome{}, fmt.Errorf("idempotency record %s vanished: %w", op.Key, err)
		}
		return g.replay(ctx, op, rec, false)
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: res}, nil
}

func (g *Guard[TX]) replay(ctx context.Context, op Op, rec Record, reemit bool) (Outcome, error) {
	if op.RequestHash != "" && rec.RequestHash != "" && op.RequestHash != rec.RequestHash {
		return Outcome{}, fmt.Errorf("%w: %s", ErrKeyConflict, op.Key)
	}
	res, err := decodeSnapshot(g.codec, rec.Snapshot)
	if err != nil {
		return Outcome{}, redstone.Fatal(fmt.Errorf("idempotency snapshot %s: %w", op.Key, err))
	}
	if reemit && len(res.Events) > 0 {
		err := g.store.InTx(ctx, func(ctx context.Context, tx TX) error {
			entries, err := outbox.NewEntries(ctx, g.codec, g.ids, res.Events, g.clock.Now())
			if err != nil {
				return err
			}
			return tx.AppendOutbox(ctx, entries...)
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("re-emit %s: %w", op.Key, err)
		}
	}
	return Outcome{Result: res, Replayed: true}, nil
}

type snapshot struct {
	Summary json.RawMessage   `json:"summary,omitempty"`
	Events  []json.RawMessage `json:"events,omitempty"`
}

func encodeSnapshot(codec *event.Registry, r Result) ([]byte, error) {
	s := snapshot{Summary: r.Summary}
	for _, e := range r.Events {
		b, err := codec.Serialize(e)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", e.Type, err)
		}
		s.Events = append(s.Events, b)
	}
	return json.Marshal(s)
}

func decodeSnapshot(codec *event.Registry, data []byte) (Result, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Result{}, err
	}
	r := Result{Summary: s.Summary}
	for _, raw := range s.Events {
		e, err := codec.Deserialize(raw)
		if err != nil {
			return Result{}, err
		}
		r.Events = append(r.Events, e)
	}
	return r, nil
}

// Hash fingerprints a request so a reused key with different content is
// caught.
func Hash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
