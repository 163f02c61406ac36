// Package shipping books shipments for confirmed orders.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/redstone"
)

// DeliveryLeadTime is added to the booking time to estimate delivery.
const DeliveryLeadTime = 4 * 24 * time.Hour

var ErrShipmentNotFound = errors.New("shipment not found")

type Shipment struct {
	OrderID           string        `json:"order_id"`
	TrackingNumber    string        `json:"tracking_number"`
	Address           event.Address `json:"address"`
	Status            string        `json:"status"`
	EstimatedDelivery time.Time     `json:"estimated_delivery"`
	CreatedAt         time.Time     `json:"created_at"`
}

type Tx interface {
	idempotency.Tx
	GetShipment(ctx context.Context, orderID string) (Shipment, bool, error)
	SaveShipment(ctx context.Context, s Shipment) error
}

type Reader interface {
	GetShipment(ctx context.Context, orderID string) (Shipment, error)
}

type Service struct {
	guard  *idempotency.Guard[Tx]
	reader Reader
	clock  redstone.Clock
	ids    redstone.IDGenerator
	log    *redstone.Logger
}

func NewService(store idempotency.Store[Tx], reader Reader, codec *event.Registry, deps idempotency.Deps) *Service {
	s := &Service{
		guard:  idempotency.NewGuard[Tx](store, codec, deps),
		reader: reader,
		clock:  deps.Clock,
		ids:    deps.IDs,
		log:    deps.Log,
	}
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
	m.Register(event.TypeShippingScheduled, s.guard.Wrap(idempotency.KeyByAggregate("shipping"), s.Schedule))
}

func (s *Service) Shipment(ctx context.Context, orderID string) (Shipment, error) {
	return s.reader.GetShipment(ctx, orderID)
}

// Schedule books one shipment per order.
func (s *Service) Schedule(ctx context.Context, tx Tx, e event.Envelope) (idempotency.Result, error) {
	p, ok := e.Payload.(event.ShippingScheduled)
	if !ok {
		return idempotency.Result{}, deadletter.Poison(fmt.Errorf("unexpected payload %T", e.Payload))
	}
	if _, found, err := tx.GetShipment(ctx, p.OrderID); err != nil || found {
		return idempotency.Result{}, err
	}
	now := s.clock.Now()
	sh := Shipment{
		OrderID:           p.OrderID,
		TrackingNumber:    trackingNumber(s.ids.NewID()),
		Address:           p.Address,
		Status:            "scheduled",
		EstimatedDelivery: now.Add(DeliveryLeadTime),
		CreatedAt:         now,
	}
	if err := tx.SaveShipment(ctx, sh); err != nil {
		return idempotency.Result{}, err
	}
	s.log.Info("shipment booked", map[string]any{
		"order_id": p.OrderID, "tracking_number": sh.TrackingNumber, "correlation_id": e.CorrelationID,
	})
	return idempotency.Result{}, nil
}

func trackingNumber(id string) string {
	hex := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return "TRK" + hex
}
