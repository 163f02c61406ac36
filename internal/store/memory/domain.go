package memory

import (
	"context"
	"sort"
	"time"

	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/inventory"
	"github.com/redstone/ordersaga/internal/payment"
	"github.com/redstone/ordersaga/internal/saga"
	"github.com/redstone/ordersaga/internal/shipping"
)

func (tx *Tx) InsertOrder(_ context.Context, o saga.Order) error {
	s := tx.s
	if _, ok := s.orders[o.ID]; ok {
		return idempotency.ErrDuplicateKey
	}
	s.orders[o.ID] = o
	tx.onRollback(func() { delete(s.orders, o.ID) })
	return nil
}

func (tx *Tx) GetOrderForUpdate(_ context.Context, id string) (saga.Order, error) {
	o, ok := tx.s.orders[id]
	if !ok {
		return saga.Order{}, saga.ErrOrderNotFound
	}
	return o, nil
}

func (tx *Tx) UpdateOrder(_ context.Context, o saga.Order, expectedVersion int) error {
	s := tx.s
	prev, ok := s.orders[o.ID]
	if !ok {
		return saga.ErrOrderNotFound
	}
	if prev.Version != expectedVersion {
		return saga.ErrConcurrentUpdate
	}
	s.orders[o.ID] = o
	tx.onRollback(func() { s.orders[o.ID] = prev })
	return nil
}

func (tx *Tx) AppendSagaLog(_ context.Context, entries ...saga.LogEntry) error {
	s := tx.s
	for _, e := range entries {
		s.logSeq++
		e.Seq = s.logSeq
		id := e.OrderID
		s.sagaLog[id] = append(s.sagaLog[id], e)
		tx.onRollback(func() { s.sagaLog[id] = s.sagaLog[id][:len(s.sagaLog[id])-1] })
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (saga.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return saga.Order{}, saga.ErrOrderNotFound
	}
	return o, nil
}

func (s *Store) ListSagaLog(_ context.Context, orderID string) ([]saga.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]saga.LogEntry(nil), s.sagaLog[orderID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) ListStale(_ context.Context, before time.Time, limit int) ([]saga.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []saga.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() && o.UpdatedAt.Before(before) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *Tx) GetStockForUpdate(_ context.Context, productID string) (inventory.Stock, error) {
	st, ok := tx.s.stock[productID]
	if !ok {
		return inventory.Stock{}, inventory.ErrProductNotFound
	}
	return st, nil
}

func (tx *Tx) UpdateStock(_ context.Context, st inventory.Stock) error {
	s := tx.s
	prev, ok := s.stock[st.ProductID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	s.stock[st.ProductID] = st
	tx.onRollback(func() { s.stock[st.ProductID] = prev })
	return nil
}

func (tx *Tx) GetReservation(_ context.Context, orderID string) (inventory.Reservation, bool, error) {
	r, ok := tx.s.reservations[orderID]
	return r, ok, nil
}

func (tx *Tx) SaveReservation(_ context.Context, r inventory.Reservation) error {
	s := tx.s
	prev, existed := s.reservations[r.OrderID]
	s.reservations[r.OrderID] = r
	tx.onRollback(func() {
		if existed {
			s.reservations[r.OrderID] = prev
		} else {
			delete(s.reservations, r.OrderID)
		}
	})
	return nil
}

func (s *Store) GetReservation(_ context.Context, orderID string) (inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[orderID]
	if !ok {
		return inventory.Reservation{}, inventory.ErrReservationNotFound
	}
	return r, nil
}

func (s *Store) GetStock(_ context.Context, productID string) (inventory.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stock[productID]
	if !ok {
		return inventory.Stock{}, inventory.ErrProductNotFound
	}
	return st, nil
}

func (s *Store) SeedStock(_ context.Context, onHand map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, qty := range onHand {
		if _, ok := s.stock[id]; !ok {
			s.stock[id] = inventory.Stock{ProductID: id, OnHand: qty}
		}
	}
	return nil
}

func (tx *Tx) GetPayment(_ context.Context, orderID string) (payment.Payment, bool, error) {
	p, ok := tx.s.payments[orderID]
	return p, ok, nil
}

func (tx *Tx) SavePayment(_ context.Context, p payment.Payment) error {
	s := tx.s
	prev, existed := s.payments[p.OrderID]
	s.payments[p.OrderID] = p
	tx.onRollback(func() {
		if existed {
			s.payments[p.OrderID] = prev
		} else {
			delete(s.payments, p.OrderID)
		}
	})
	return nil
}

func (s *Store) GetPayment(_ context.Context, orderID string) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	return p, nil
}

func (tx *Tx) GetShipment(_ context.Context, orderID string) (shipping.Shipment, bool, error) {
	sh, ok := tx.s.shipments[orderID]
	return sh, ok, nil
}

func (tx *Tx) SaveShipment(_ context.Context, sh shipping.Shipment) error {
	s := tx.s
	if _, ok := s.shipments[sh.OrderID]; ok {
		return idempotency.ErrDuplicateKey
	}
	s.shipments[sh.OrderID] = sh
	tx.onRollback(func() { delete(s.shipments, sh.OrderID) })
	return nil
}

func (s *Store) GetShipment(_ context.Context, orderID string) (shipping.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[orderID]
	if !ok {
		return shipping.Shipment{}, shipping.ErrShipmentNotFound
	}
	return sh, nil
}

var (
	_ saga.Tx          = (*Tx)(nil)
	_ inventory.Tx     = (*Tx)(nil)
	_ payment.Tx       = (*Tx)(nil)
	_ shipping.Tx      = (*Tx)(nil)
	_ saga.Reader      = (*Store)(nil)
	_ inventory.Reader = (*Store)(nil)
	_ payment.Reader   = (*Store)(nil)
	_ shipping.Reader  = (*Store)(nil)
)
