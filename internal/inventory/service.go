// Package inventory reserves and releases stock for orders.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/redstone"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrReservationNotFound = errors.New("reservation not found")
)

type Stock struct {
	ProductID string    `json:"product_id"`
	OnHand    int64     `json:"on_hand"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Stock) Available() int64 { return s.OnHand - s.Reserved }

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "reserved"
	ReservationReleased ReservationStatus = "released"
)

type Reservation struct {
	OrderID   string            `json:"order_id"`
	Items     []event.Item      `json:"items"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Tx interface {
	idempotency.Tx
	GetStockForUpdate(ctx context.Context, productID string) (Stock, error)
	UpdateStock(ctx context.Context, s Stock) error
	GetReservation(ctx context.Context, orderID string) (Reservation, bool, error)
	SaveReservation(ctx context.Context, r Reservation) error
}

type Reader interface {
	GetStock(ctx context.Context, productID string) (Stock, error)
	GetReservation(ctx context.Context, orderID string) (Reservation, error)
	// SeedStock inserts products that do not exist yet.
	SeedStock(ctx context.Context, onHand map[string]int64) error
}

type Service struct {
	guard  *idempotency.Guard[Tx]
	reader Reader
	clock  redstone.Clock
	ids    redstone.IDGenerator
	log    *redstone.Logger
}

func NewService(store idempotency.Store[Tx], reader Reader, codec *event.Registry, deps idempotency.Deps) *Service {
	g := idempotency.NewGuard[Tx](store, codec, deps)
	s := &Service{guard: g, reader: reader, clock: deps.Clock, ids: deps.IDs, log: deps.Log}
	if s.clock == nil {
		s.clock = redstone.SystemClock{}
	}
	if s.ids == nil {
		s.ids = redstone.UUIDGenerator{}
	}
	if s.log == nil {
		s.log = redstone.NewNopLogger()
	}
	return s
}

func (s *Service) Register(m *deadletter.Manager) {
	m.Register(event.TypeInventoryReserveRequested, s.guard.Wrap(idempotency.KeyByAggregate("inventory"), s.Reserve))
	m.Register(event.TypeInventoryReleaseRequested, s.guard.Wrap(idempotency.KeyByAggregate("inventory"), s.Release))
}

func (s *Service) Stock(ctx context.Context, productID string) (Stock, error) {
	return s.reader.GetStock(ctx, productID)
}

func (s *Service) Reservation(ctx context.Context, orderID string) (Reservation, error) {
	return s.reader.GetReservation(ctx, orderID)
}

func (s *Service) Seed(ctx context.Context, onHand map[string]int64) error {
	return s.reader.SeedStock(ctx, onHand)
}

// Reserve holds every item of the order or none of them.
func (s *Service) Reserve(ctx context.Context, tx Tx, e event.Envelope) (idempotency.Result, error) {
	p, ok := e.Payload.(event.InventoryReserveRequested)
	if !ok {
		return idempotency.Result{}, deadletter.Poison(fmt.Errorf("unexpected payload %T", e.Payload))
	}
	now := s.clock.Now()

	existing, found, err := tx.GetReservation(ctx, p.OrderID)
	if err != nil {
		return idempotency.Result{}, err
	}
	if found {
		if existing.Status == ReservationActive {
			return s.reply(e, event.InventoryReserved{OrderID: p.OrderID, Items: existing.Items}), nil
		}
		return s.reply(e, event.InventoryReserveFailed{OrderID: p.OrderID, Items: p.Items, Reason: "order was already released"}), nil
	}

	wanted := quantities(p.Items)
	stocks := make(map[string]Stock, len(wanted))
	for _, id := range sortedKeys(wanted) {
		st, err := tx.GetStockForUpdate(ctx, id)
		if errors.Is(err, ErrProductNotFound) {
			return s.rejected(e, p, fmt.Sprintf("unknown product %s", id)), nil
		}
		if err != nil {
			return idempotency.Result{}, err
		}
		if st.Available() < wanted[id] {
			return s.rejected(e, p, fmt.Sprintf("insufficient stock for %s: requested %d, available %d", id, wanted[id], st.Available())), nil
		}
		stocks[id] = st
	}

	for _, id := range sortedKeys(wanted) {
		st := stocks[id]
		st.Reserved += wanted[id]
		st.UpdatedAt = now
		if err := tx.UpdateStock(ctx, st); err != nil {
			return idempotency.Result{}, err
		}
	}
	if err := tx.SaveReservation(ctx, Reservation{
		OrderID: p.OrderID, Items: p.Items, Status: ReservationActive, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return idempotency.Result{}, err
	}
	s.log.Info("inventory reserved", map[string]any{"order_id": p.OrderID, "correlation_id": e.CorrelationID})
	return s.reply(e, event.InventoryReserved{OrderID: p.OrderID, Items: p.Items}), nil
}

// Release returns reserved stock. Releasing an order that was never
// reserved leaves a tombstone so a late reservation request is refused.
func (s *Service) Release(ctx context.Context, tx Tx, e event.Envelope) (idempotency.Result, error) {
	p, ok := e.Payload.(event.InventoryReleaseRequested)
	if !ok {
		return idempotency.Result{}, deadletter.Poison(fmt.Errorf("unexpected payload %T", e.Payload))
	}
	now := s.clock.Now()

	r, found, err := tx.GetReservation(ctx, p.OrderID)
	if err != nil {
		return idempotency.Result{}, err
	}
	switch {
	case !found:
		r = Reservation{OrderID: p.OrderID, Status: ReservationReleased, CreatedAt: now}
	case r.Status == ReservationReleased:
		return s.reply(e, event.InventoryReleased{OrderID: p.OrderID}), nil
	default:
		held := quantities(r.Items)
		for _, id := range sortedKeys(held) {
			st, err := tx.GetStockForUpdate(ctx, id)
			if err != nil {
				return idempotency.Result{}, err
			}
			st.Reserved -= held[id]
			if st.Reserved < 0 {
				st.Reserved = 0
			}
			st.UpdatedAt = now
			if err := tx.UpdateStock(ctx, st); err != nil {
				return idempotency.Result{}, err
			}
		}
		r.Status = ReservationReleased
	}
	r.UpdatedAt = now
	if err := tx.SaveReservation(ctx, r); err != nil {
		return idempotency.Result{}, err
	}
	s.log.Info("inventory released", map[string]any{"order_id": p.OrderID, "had_reservation": found})
	return s.reply(e, event.InventoryReleased{OrderID: p.OrderID}), nil
}

func (s *Service) rejected(e event.Envelope, p event.InventoryReserveRequested, reason string) idempotency.Result {
	s.log.Info("inventory reservation rejected", map[string]any{"order_id": p.OrderID, "reason": reason})
	return s.reply(e, event.InventoryReserveFailed{OrderID: p.OrderID, Items: p.Items, Reason: reason})
}

func (s *Service) reply(cause event.Envelope, p event.Payload) idempotency.Result {
	return idempotency.Result{Events: []event.Envelope{cause.Caused(s.ids.NewID(), p, s.clock.Now())}}
}

func quantities(items []event.Item) map[string]int64 {
	out := map[string]int64{}
	for _, it := range items {
		out[it.ProductID] += int64(it.Quantity)
	}
	return out
}

// sortedKeys gives a stable lock order across concurrent reservations.
func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
