package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/redstone/ordersaga/internal/redstone"
)

type ChargeRequest struct {
	IdempotencyKey string
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
}

type Charge struct {
	TransactionID string
}

type RefundRequest struct {
	IdempotencyKey string
	TransactionID  string
	Amount         decimal.Decimal
}

// Gateway is the external payment provider. Every call carries an
// idempotency key, and the provider must return the original outcome when it
// sees a key twice.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Charge, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

var ErrDeclined = errors.New("payment declined")

// DeclinedError is a business refusal, not an outage.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string { return "payment declined: " + e.Reason }

func (e *DeclinedError) Is(target error) bool { return target == ErrDeclined }

// SimulatedGateway approves charges up to Limit and remembers outcomes by
// idempotency key.
type SimulatedGateway struct {
	Limit decimal.Decimal
	ids   redstone.IDGenerator

	mu      sync.Mutex
	charges map[string]chargeOutcome
	refunds map[string]string
	calls   int
}

type chargeOutcome struct {
	charge Charge
	err    error
}

func NewSimulatedGateway(limit decimal.Decimal, ids redstone.IDGenerator) *SimulatedGateway {
	if ids == nil {
		ids = redstone.UUIDGenerator{}
	}
	return &SimulatedGateway{
		Limit:   limit,
		ids:     ids,
		charges: map[string]chargeOutcome{},
		refunds: map[string]string{},
	}
}

func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if err := ctx.Err(); err != nil {
		return Charge{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if prev, ok := g.charges[req.IdempotencyKey]; ok {
		return prev.charge, prev.err
	}
	var out chargeOutcome
	if req.Amount.GreaterThan(g.Limit) {
		out.err = &DeclinedError{Reason: "amount " + req.Amount.StringFixed(2) + " exceeds limit " + g.Limit.StringFixed(2)}
	} else {
		out.charge = Charge{TransactionID: "txn_" + g.ids.NewID()}
	}
	g.charges[req.IdempotencyKey] = out
	return out.charge, out.err
}

func (g *SimulatedGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if id, ok := g.refunds[req.IdempotencyKey]; ok {
		return id, nil
	}
	id := "rfd_" + g.ids.NewID()
	g.refunds[req.IdempotencyKey] = id
	return id, nil
}

// Calls counts requests, including repeats.
func (g *SimulatedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
