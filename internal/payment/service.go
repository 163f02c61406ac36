// Package payment charges and refunds orders through a Gateway.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/redstone"
)

var ErrPaymentNotFound = errors.New("payment not found")

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

type Payment struct {
	OrderID        string          `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	RefundID       string          `json:"refund_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Tx interface {
	idempotency.Tx
	GetPayment(ctx context.Context, orderID string) (Payment, bool, error)
	SavePayment(ctx context.Context, p Payment) error
}

type Reader interface {
	GetPayment(ctx context.Context, orderID string) (Payment, error)
}

type Service struct {
	guard   *idempotency.Guard[Tx]
	reader  Reader
	gateway Gateway
	clock   redstone.Clock
	ids     redstone.IDGenerator
	log     *redstone.Logger
}

func NewService(store idempotency.Store[Tx], reader Reader, gateway Gateway, codec *event.Registry, deps idempotency.Deps) *Service {
	s := &Service{
		guard:   idempotency.NewGuard[Tx](store, codec, deps),
		reader:  reader,
		gateway: gateway,
		clock:   deps.Clock,
		ids:     deps.IDs,
		log:     deps.Log,
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
	m.Register(event.TypePaymentRequested, s.guard.Wrap(idempotency.KeyByAggregate("payment"), s.Process))
	m.Register(event.TypePaymentRefunded, s.guard.Wrap(idempotency.KeyByAggregate("payment"), s.Refund))
}

func (s *Service) Payment(ctx context.Context, orderID string) (Payment, error) {
	return s.reader.GetPayment(ctx, orderID)
}

// Process charges the order. A decline becomes payment.failed; a gateway
// outage is returned as an error so the message is retried.
func (s *Service) Process(ctx context.Context, tx Tx, e event.Envelope) (idempotency.Result, error) {
	p, ok := e.Payload.(event.PaymentRequested)
	if !ok {
		return idempotency.Result{}, deadletter.Poison(fmt.Errorf("unexpected payload %T", e.Payload))
	}

	existing, found, err := tx.GetPayment(ctx, p.OrderID)
	if err != nil {
		return idempotency.Result{}, err
	}
	if found {
		return s.outcome(e, existing), nil
	}

	now := s.clock.Now()
	rec := Payment{
		OrderID:        p.OrderID,
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Currency:       p.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	charge, err := s.gateway.Charge(ctx, ChargeRequest{
		IdempotencyKey: p.IdempotencyKey,
		OrderID:        p.OrderID,
		Amount:         p.Amount,
		Currency:       p.Currency,
	})
	var declined *DeclinedError
	switch {
	case errors.As(err, &declined):
		rec.Status = StatusFailed
		rec.FailureReason = declined.Reason
	case err != nil:
		return idempotency.Result{}, fmt.Errorf("charge %s: %w", p.OrderID, err)
	default:
		rec.Status = StatusCompleted
		rec.TransactionID = charge.TransactionID
	}
	if err := tx.SavePayment(ctx, rec); err != nil {
		return idempotency.Result{}, err
	}
	s.log.Info("payment processed", map[string]any{
		"order_id": p.OrderID, "status": string(rec.Status), "amount": p.Amount.String(), "reason": rec.FailureReason,
	})
	return s.outcome(e, rec), nil
}

// Refund compensates a completed charge.
func (s *Service) Refund(ctx context.Context, tx Tx, e event.Envelope) (idempotency.Result, error) {
	p, ok := e.Payload.(event.PaymentRefunded)
	if !ok {
		return idempotency.Result{}, deadletter.Poison(fmt.Errorf("unexpected payload %T", e.Payload))
	}
	rec, found, err := tx.GetPayment(ctx, p.OrderID)
	if err != nil {
		return idempotency.Result{}, err
	}
	if !found || rec.Status != StatusCompleted {
		s.log.Warn("nothing to refund", map[string]any{"order_id": p.OrderID, "found": found, "status": string(rec.Status)})
		return idempotency.Result{}, nil
	}
	refundID, err := s.gateway.Refund(ctx, RefundRequest{
		IdempotencyKey: "refund:" + p.OrderID,
		TransactionID:  rec.TransactionID,
		Amount:         p.Amount,
	})
	if err != nil {
		return idempotency.Result{}, fmt.Errorf("refund %s: %w", p.OrderID, err)
	}
	rec.Status = StatusRefunded
	rec.RefundID = refundID
	rec.UpdatedAt = s.clock.Now()
	if err := tx.SavePayment(ctx, rec); err != nil {
		return idempotency.Result{}, err
	}
	s.log.Info("payment refunded", map[string]any{"order_id": p.OrderID, "refund_id": refundID})
	return idempotency.Result{}, nil
}

func (s *Service) outcome(cause event.Envelope, rec Payment) idempotency.Result {
	var p event.Payload
	if rec.Status == StatusFailed {
		p = event.PaymentFailed{OrderID: rec.OrderID, Amount: rec.Amount, IdempotencyKey: rec.IdempotencyKey, Reason: rec.FailureReason}
	} else {
		p = event.PaymentProcessed{OrderID: rec.OrderID, Amount: rec.Amount, IdempotencyKey: rec.IdempotencyKey, TransactionID: rec.TransactionID}
	}
	return idempotency.Result{Events: []event.Envelope{cause.Caused(s.ids.NewID(), p, s.clock.Now())}}
}
