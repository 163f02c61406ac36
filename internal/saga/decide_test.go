package saga

import (
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redstone/ordersaga/internal/event"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() string {
	g.n++
	return "id-" + strconv.Itoa(g.n)
}

func order(status Status) Order {
	return Order{
		ID:            "o1",
		CustomerID:    "c1",
		Items:         []event.Item{{ProductID: "sku-1", Quantity: 2, Price: decimal.RequireFromString("25.00")}},
		TotalAmount:   decimal.RequireFromString("50.00"),
		Currency:      "USD",
		Status:        status,
		CorrelationID: "corr-1",
		Version:       3,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func reply(p event.Payload) event.Envelope {
	return event.New("in-1", "o1", "corr-1", p, t0)
}

func types(es []event.Envelope) []event.Type {
	out := make([]event.Type, len(es))
	for i, e := range es {
		out[i] = e.Type
	}
	return out
}

type logStep struct {
	Step   Step
	Status StepStatus
}

func steps(entries []LogEntry) []logStep {
	out := make([]logStep, len(entries))
	for i, e := range entries {
		out[i] = logStep{e.Step, e.Status}
	}
	return out
}

func TestDecide(t *testing.T) {
	amount := decimal.RequireFromString("50.00")
	tests := []struct {
		name    string
		from    Status
		in      event.Payload
		to      Status
		emit    []event.Type
		log     []logStep
		ignored bool
	}{
		{
			name: "reserved moves on to payment",
			from: StatusPending,
			in:   event.InventoryReserved{OrderID: "o1"},
			to:   StatusInventoryReserved,
			emit: []event.Type{event.TypePaymentRequested},
			log:  []logStep{{StepInventoryReserved, StepCompleted}},
		},
		{
			name: "reservation failure fails the order",
			from: StatusPending,
			in:   event.InventoryReserveFailed{OrderID: "o1", Reason: "insufficient stock"},
			to:   StatusFailed,
			emit: []event.Type{event.TypeOrderFailed},
			log:  []logStep{{StepInventoryReserved, StepFailed}},
		},
		{
			name: "payment confirms and schedules shipping",
			from: StatusInventoryReserved,
			in:   event.PaymentProcessed{OrderID: "o1", Amount: amount},
			to:   StatusConfirmed,
			emit: []event.Type{event.TypeOrderConfirmed, event.TypeShippingScheduled},
			log:  []logStep{{StepPaymentProcessed, StepCompleted}, {StepConfirmed, StepCompleted}},
		},
		{
			name: "payment failure compensates before failing",
			from: StatusInventoryReserved,
			in:   event.PaymentFailed{OrderID: "o1", Amount: amount, Reason: "card declined"},
			to:   StatusFailed,
			emit: []event.Type{event.TypeInventoryReleaseRequested, event.TypeOrderFailed},
			log:  []logStep{{StepInventoryRelease, StepCompensated}, {StepPaymentProcessed, StepFailed}},
		},
		{
			name: "late reservation on failed order is released",
			from: StatusFailed,
			in:   event.InventoryReserved{OrderID: "o1"},
			to:   StatusFailed,
			emit: []event.Type{event.TypeInventoryReleaseRequested},
			log:  []logStep{{StepInventoryRelease, StepCompensated}},
		},
		{
			name: "late payment on cancelled order is refunded",
			from: StatusCancelled,
			in:   event.PaymentProcessed{OrderID: "o1", Amount: amount},
			to:   StatusCancelled,
			emit: []event.Type{event.TypePaymentRefunded},
			log:  []logStep{{StepPaymentRefund, StepCompensated}},
		},
		{
			name: "release confirmation is logged",
			from: StatusFailed,
			in:   event.InventoryReleased{OrderID: "o1"},
			to:   StatusFailed,
			log:  []logStep{{StepInventoryRelease, StepCompleted}},
		},
		{
			name:    "duplicate reservation is ignored",
			from:    StatusInventoryReserved,
			in:      event.InventoryReserved{OrderID: "o1"},
			to:      StatusInventoryReserved,
			ignored: true,
		},
		{
			name:    "payment before reservation is ignored",
			from:    StatusPending,
			in:      event.PaymentProcessed{OrderID: "o1", Amount: amount},
			to:      StatusPending,
			ignored: true,
		},
		{
			name:    "reservation failure after confirmation is ignored",
			from:    StatusConfirmed,
			in:      event.InventoryReserveFailed{OrderID: "o1"},
			to:      StatusConfirmed,
			ignored: true,
		},
		{
			name:    "unrelated event is ignored",
			from:    StatusPending,
			in:      event.ShippingScheduled{OrderID: "o1"},
			to:      StatusPending,
			ignored: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(order(tt.from), reply(tt.in), &seqIDs{}, t0.Add(time.Minute))
			assert.Equal(t, tt.from, d.From)
			assert.Equal(t, tt.to, d.To())
			assert.Equal(t, tt.ignored, d.Ignored)
			if tt.emit == nil {
				assert.Empty(t, d.Emit)
			} else {
				assert.Equal(t, tt.emit, types(d.Emit))
			}
			if tt.log == nil {
				assert.Empty(t, d.Log)
			} else {
				assert.Equal(t, tt.log, steps(d.Log))
			}
			for _, e := range d.Emit {
				assert.Equal(t, "in-1", e.CausationID)
				assert.Equal(t, "corr-1", e.CorrelationID)
				assert.Equal(t, "o1", e.AggregateID)
			}
			for _, l := range d.Log {
				assert.Equal(t, "corr-1", l.CorrelationID)
				assert.Equal(t, t0.Add(time.Minute), l.Timestamp)
			}
		})
	}
}

func TestDecidePaymentRequestCarriesKeyAndAmount(t *testing.T) {
	d := Decide(order(StatusPending), reply(event.InventoryReserved{OrderID: "o1"}), &seqIDs{}, t0)
	require.Len(t, d.Emit, 1)
	p, ok := d.Emit[0].Payload.(event.PaymentRequested)
	require.True(t, ok)
	assert.Equal(t, "payment:o1", p.IdempotencyKey)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, "USD", p.Currency)
}

func TestDecideFailureReason(t *testing.T) {
	d := Decide(order(StatusInventoryReserved), reply(event.PaymentFailed{OrderID: "o1", Reason: "card declined"}), &seqIDs{}, t0)
	assert.Equal(t, "card declined", d.Order.FailureReason)
	failed, ok := d.Emit[1].Payload.(event.OrderFailed)
	require.True(t, ok)
	assert.Equal(t, "card declined", failed.Reason)

	d = Decide(order(StatusPending), reply(event.InventoryReserveFailed{OrderID: "o1"}), &seqIDs{}, t0)
	assert.Equal(t, "inventory reservation failed", d.Order.FailureReason)
}

func TestPlace(t *testing.T) {
	cmd := PlaceOrder{
		OrderID:    "o1",
		CustomerID: "c1",
		Items: []event.Item{
			{ProductID: "sku-1", Quantity: 2, Price: decimal.RequireFromString("25.00")},
			{ProductID: "sku-2", Quantity: 1, Price: decimal.RequireFromString("0.10")},
		},
	}
	d, err := Place(cmd, &seqIDs{}, t0)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, d.Order.Status)
	assert.Equal(t, "50.1", d.Order.TotalAmount.String())
	assert.Equal(t, "USD", d.Order.Currency)
	assert.Equal(t, 1, d.Order.Version)
	assert.Equal(t, []event.Type{event.TypeOrderPlaced, event.TypeInventoryReserveRequested}, types(d.Emit))
	assert.Empty(t, d.Emit[0].CausationID)
	assert.Equal(t, d.Emit[0].EventID, d.Emit[1].CausationID)
	assert.Equal(t, d.Order.CorrelationID, d.Emit[1].CorrelationID)
	assert.Equal(t, []logStep{{StepPlaced, StepCompleted}}, steps(d.Log))
}

func TestPlaceRejectsInvalidOrders(t *testing.T) {
	tests := map[string]PlaceOrder{
		"no items":      {OrderID: "o1", CustomerID: "c1"},
		"no customer":   {OrderID: "o1", Items: []event.Item{{ProductID: "a", Quantity: 1}}},
		"zero quantity": {OrderID: "o1", CustomerID: "c1", Items: []event.Item{{ProductID: "a"}}},
		"negative price": {OrderID: "o1", CustomerID: "c1", Items: []event.Item{
			{ProductID: "a", Quantity: 1, Price: decimal.NewFromInt(-1)},
		}},
	}
	for name, cmd := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Place(cmd, &seqIDs{}, t0)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestCancel(t *testing.T) {
	d, err := Cancel(order(StatusPending), "", &seqIDs{}, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, d.To())
	assert.Equal(t, []event.Type{event.TypeOrderCancelled}, types(d.Emit))
	assert.Equal(t, "cancelled by request", d.Order.FailureReason)

	d, err = Cancel(order(StatusInventoryReserved), "customer changed mind", &seqIDs{}, t0)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.TypeInventoryReleaseRequested, event.TypeOrderCancelled}, types(d.Emit))
	assert.Equal(t, []logStep{{StepInventoryRelease, StepCompensated}, {StepCancelled, StepCompleted}}, steps(d.Log))

	for _, s := range []Status{StatusPaymentProcessed, StatusConfirmed, StatusFailed, StatusCancelled} {
		_, err := Cancel(order(s), "", &seqIDs{}, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition, string(s))
	}
}

func TestExpire(t *testing.T) {
	tests := []struct {
		from Status
		emit []event.Type
	}{
		{StatusPending, []event.Type{event.TypeOrderFailed}},
		{StatusInventoryReserved, []event.Type{event.TypeInventoryReleaseRequested, event.TypeOrderFailed}},
		{StatusPaymentProcessed, []event.Type{event.TypeInventoryReleaseRequested, event.TypePaymentRefunded, event.TypeOrderFailed}},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			d, err := Expire(order(tt.from), "", &seqIDs{}, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, d.To())
			assert.Equal(t, "saga timed out", d.Order.FailureReason)
			assert.Equal(t, tt.emit, types(d.Emit))
			require.NotEmpty(t, d.Log)
			assert.Equal(t, logStep{StepReconciliation, StepStarted}, steps(d.Log)[0])
		})
	}

	_, err := Expire(order(StatusConfirmed), "", &seqIDs{}, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
