// Package notification tells customers about order outcomes.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/redstone"
)

type Notification struct {
	OrderID       string
	Kind          event.Type
	Message       string
	CorrelationID string
	At            time.Time
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	Log *redstone.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Log.Info("notification sent", map[string]any{
		"order_id": n.OrderID, "kind": string(n.Kind), "message": n.Message, "correlation_id": n.CorrelationID,
	})
	return nil
}

// Types are the events a customer hears about.
var Types = []event.Type{
	event.TypeOrderConfirmed,
	event.TypeOrderFailed,
	event.TypeOrderCancelled,
	event.TypeShippingScheduled,
}

type Service struct {
	guard    *idempotency.Guard[idempotency.Tx]
	notifier Notifier
	clock    redstone.Clock
}

func NewService(store idempotency.Store[idempotency.Tx], notifier Notifier, codec *event.Registry, deps idempotency.Deps) *Service {
	s := &Service{guard: idempotency.NewGuard[idempotency.Tx](store, codec, deps), notifier: notifier, clock: deps.Clock}
	if s.clock == nil {
		s.clock = redstone.SystemClock{}
	}
	return s
}

func (s *Service) Register(m *deadletter.Manager) {
	h := s.Handler()
	for _, t := range Types {
		m.Register(t, h)
	}
}

// Handler is Handle behind the idempotency guard.
func (s *Service) Handler() func(context.Context, event.Envelope) error {
	return s.guard.Wrap(idempotency.KeyByAggregate("notify"), s.Handle)
}

func (s *Service) Handle(ctx context.Context, _ idempotency.Tx, e event.Envelope) (idempotency.Result, error) {
	msg, err := message(e)
	if err != nil {
		return idempotency.Result{}, deadletter.Poison(err)
	}
	err = s.notifier.Notify(ctx, Notification{
		OrderID:       e.AggregateID,
		Kind:          e.Type,
		Message:       msg,
		CorrelationID: e.CorrelationID,
		At:            s.clock.Now(),
	})
	return idempotency.Result{}, err
}

func message(e event.Envelope) (string, error) {
	switch p := e.Payload.(type) {
	case event.OrderConfirmed:
		return fmt.Sprintf("Order %s is confirmed.", p.OrderID), nil
	case event.OrderFailed:
		return fmt.Sprintf("Order %s could not be completed: %s.", p.OrderID, p.Reason), nil
	case event.OrderCancelled:
		return fmt.Sprintf("Order %s was cancelled: %s.", p.OrderID, p.Reason), nil
	case event.ShippingScheduled:
		return fmt.Sprintf("Order %s will ship to %s.", p.OrderID, p.Address.City), nil
	default:
		return "", fmt.Errorf("no notification for %T", e.Payload)
	}
}
