package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/payment"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/store/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type outageGateway struct{ err error }

func (g outageGateway) Charge(context.Context, payment.ChargeRequest) (payment.Charge, error) {
	return payment.Charge{}, g.err
}

func (g outageGateway) Refund(context.Context, payment.RefundRequest) (string, error) {
	return "", g.err
}

type fixture struct {
	db      *memory.Store
	gateway payment.Gateway
	svc     *payment.Service
}

func newFixture(gw payment.Gateway) *fixture {
	db := memory.New()
	svc := payment.NewService(memory.For[payment.Tx](db), db, gw, event.Default(), idempotency.Deps{Clock: redstone.NewManualClock(t0)})
	return &fixture{db: db, gateway: gw, svc: svc}
}

func (f *fixture) run(t *testing.T, h idempotency.Handler[payment.Tx], p event.Payload) (idempotency.Result, error) {
	t.Helper()
	var res idempotency.Result
	err := memory.For[payment.Tx](f.db).InTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		var err error
		res, err = h(ctx, tx, event.New("evt-in", "o1", "corr-1", p, t0))
		return err
	})
	return res, err
}

func request(amount string) event.PaymentRequested {
	return event.PaymentRequested{OrderID: "o1", Amount: decimal.RequireFromString(amount), IdempotencyKey: "payment:o1", Currency: "USD"}
}

func TestProcessCharges(t *testing.T) {
	gw := payment.NewSimulatedGateway(decimal.NewFromInt(100), nil)
	f := newFixture(gw)

	res, err := f.run(t, f.svc.Process, request("50.00"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	processed, ok := res.Events[0].Payload.(event.PaymentProcessed)
	require.True(t, ok)
	assert.True(t, processed.Amount.Equal(decimal.NewFromInt(50)))
	assert.Regexp(t, `^txn_`, processed.TransactionID)

	p, err := f.svc.Payment(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, processed.TransactionID, p.TransactionID)

	// A redelivered request reports the stored outcome without charging again.
	res, err = f.run(t, f.svc.Process, request("50.00"))
	require.NoError(t, err)
	assert.Equal(t, processed.TransactionID, res.Events[0].Payload.(event.PaymentProcessed).TransactionID)
	assert.Equal(t, 1, gw.Calls())
}

func TestProcessDecline(t *testing.T) {
	f := newFixture(payment.NewSimulatedGateway(decimal.NewFromInt(10), nil))
	res, err := f.run(t, f.svc.Process, request("50.00"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	failed, ok := res.Events[0].Payload.(event.PaymentFailed)
	require.True(t, ok)
	assert.Equal(t, "amount 50.00 exceeds limit 10.00", failed.Reason)

	p, err := f.svc.Payment(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)
}

func TestGatewayOutageIsRetried(t *testing.T) {
	outage := errors.New("gateway timeout")
	f := newFixture(outageGateway{err: outage})
	_, err := f.run(t, f.svc.Process, request("50.00"))
	assert.ErrorIs(t, err, outage)

	_, err = f.svc.Payment(context.Background(), "o1")
	assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
}

func TestRefund(t *testing.T) {
	gw := payment.NewSimulatedGateway(decimal.NewFromInt(100), nil)
	f := newFixture(gw)
	_, err := f.run(t, f.svc.Process, request("50.00"))
	require.NoError(t, err)

	refund := event.PaymentRefunded{OrderID: "o1", Amount: decimal.NewFromInt(50)}
	res, err := f.run(t, f.svc.Refund, refund)
	require.NoError(t, err)
	assert.Empty(t, res.Events)

	p, err := f.svc.Payment(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.Regexp(t, `^rfd_`, p.RefundID)

	_, err = f.run(t, f.svc.Refund, refund)
	require.NoError(t, err)
	again, err := f.svc.Payment(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, p.RefundID, again.RefundID, "refund is not repeated")
}

func TestRefundWithoutPaymentIsNoop(t *testing.T) {
	gw := payment.NewSimulatedGateway(decimal.NewFromInt(100), nil)
	f := newFixture(gw)
	_, err := f.run(t, f.svc.Refund, event.PaymentRefunded{OrderID: "o1", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.Zero(t, gw.Calls())
}

func TestSimulatedGatewayRemembersKeys(t *testing.T) {
	gw := payment.NewSimulatedGateway(decimal.NewFromInt(10), nil)
	ctx := context.Background()

	_, err := gw.Charge(ctx, payment.ChargeRequest{IdempotencyKey: "k1", Amount: decimal.NewFromInt(20)})
	assert.ErrorIs(t, err, payment.ErrDeclined)
	_, err = gw.Charge(ctx, payment.ChargeRequest{IdempotencyKey: "k1", Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, payment.ErrDeclined, "first outcome wins for a key")

	c1, err := gw.Charge(ctx, payment.ChargeRequest{IdempotencyKey: "k2", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	c2, err := gw.Charge(ctx, payment.ChargeRequest{IdempotencyKey: "k2", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Equal(t, 4, gw.Calls())
}
