// Package memory is an in-process store for tests and single-node demos. A
// transaction holds the store mutex from start to finish and undoes its
// writes on rollback, which gives it the isolation of a serial database.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/inventory"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/payment"
	"github.com/redstone/ordersaga/internal/saga"
	"github.com/redstone/ordersaga/internal/shipping"
)

type Store struct {
	mu sync.Mutex

	seq      int64
	outbox   []*outboxRow
	outboxBy map[string]*outboxRow

	records map[string]idempotency.Record

	orders  map[string]saga.Order
	logSeq  int64
	sagaLog map[string][]saga.LogEntry

	letters     map[string]deadletter.Letter
	letterOrder []string
	retries     map[string]*retryRow

	stock        map[string]inventory.Stock
	reservations map[string]inventory.Reservation
	payments     map[string]payment.Payment
	shipments    map[string]shipping.Shipment

	// FailCommit, when set, is consulted before a transaction commits. A
	// non-nil result rolls the transaction back.
	FailCommit func() error
}

type outboxRow struct {
	entry      outbox.Entry
	claimedBy  string
	claimUntil time.Time
}

type retryRow struct {
	retry      deadletter.Retry
	claimedBy  string
	claimUntil time.Time
}

func New() *Store {
	return &Store{
		outboxBy:     map[string]*outboxRow{},
		records:      map[string]idempotency.Record{},
		orders:       map[string]saga.Order{},
		sagaLog:      map[string][]saga.LogEntry{},
		letters:      map[string]deadletter.Letter{},
		retries:      map[string]*retryRow{},
		stock:        map[string]inventory.Stock{},
		reservations: map[string]inventory.Reservation{},
		payments:     map[string]payment.Payment{},
		shipments:    map[string]shipping.Shipment{},
	}
}

// Tx implements the transactional interfaces of every service.
type Tx struct {
	s    *Store
	undo []func()
}

func (tx *Tx) onRollback(fn func()) { tx.undo = append(tx.undo, fn) }

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{s: s}
	err := fn(ctx, tx)
	if err == nil && s.FailCommit != nil {
		err = s.FailCommit()
	}
	if err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) FindRecord(_ context.Context, key string) (idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok, nil
}

// Scope narrows the store to one service's transaction interface.
type Scope[TX any] struct {
	*Store
}

func For[TX any](s *Store) Scope[TX] { return Scope[TX]{Store: s} }

func (sc Scope[TX]) InTx(ctx context.Context, fn func(ctx context.Context, tx TX) error) error {
	return sc.Store.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		t, ok := any(tx).(TX)
		if !ok {
			return fmt.Errorf("memory transaction does not implement %T", (*TX)(nil))
		}
		return fn(ctx, t)
	})
}

func (tx *Tx) InsertRecord(_ context.Context, r idempotency.Record) error {
	s := tx.s
	if _, ok := s.records[r.Key]; ok {
		return idempotency.ErrDuplicateKey
	}
	s.records[r.Key] = r
	tx.onRollback(func() { delete(s.records, r.Key) })
	return nil
}

func (tx *Tx) AppendOutbox(_ context.Context, entries ...outbox.Entry) error {
	s := tx.s
	for _, e := range entries {
		if _, ok := s.outboxBy[e.ID]; ok {
			return fmt.Errorf("outbox entry %s already exists", e.ID)
		}
		s.seq++
		e.Seq = s.seq
		row := &outboxRow{entry: e}
		s.outbox = append(s.outbox, row)
		s.outboxBy[e.ID] = row
		id := e.ID
		tx.onRollback(func() {
			delete(s.outboxBy, id)
			s.outbox = s.outbox[:len(s.outbox)-1]
		})
	}
	return nil
}
