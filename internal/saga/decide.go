package saga

import (
	"fmt"
	"time"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/redstone"
)

// Decision is the outcome of applying one input to an order. Nothing in it
// has been persisted yet.
type Decision struct {
	From    Status
	Order   Order
	Emit    []event.Envelope
	Log     []LogEntry
	Ignored bool
	Reason  string
}

func (d Decision) To() Status { return d.Order.Status }

func (d Decision) Changed() bool { return d.From != d.Order.Status }

type decider struct {
	d   Decision
	ids redstone.IDGenerator
	now time.Time
}

func newDecider(o Order, ids redstone.IDGenerator, now time.Time) *decider {
	return &decider{d: Decision{From: o.Status, Order: o}, ids: ids, now: now}
}

func (b *decider) moveTo(s Status) {
	b.d.Order.Status = s
	b.d.Order.UpdatedAt = b.now
}

func (b *decider) fail(reason string) {
	b.moveTo(StatusFailed)
	b.d.Order.FailureReason = reason
}

func (b *decider) log(step Step, t event.Type, eventID string, status StepStatus, msg string) {
	b.d.Log = append(b.d.Log, LogEntry{
		OrderID:       b.d.Order.ID,
		Step:          step,
		EventType:     t,
		EventID:       eventID,
		CorrelationID: b.d.Order.CorrelationID,
		Status:        status,
		Timestamp:     b.now,
		ErrorMessage:  msg,
	})
}

// emit builds an outbound event, caused by cause when there is one.
func (b *decider) emit(cause *event.Envelope, p event.Payload) event.Envelope {
	var e event.Envelope
	if cause != nil {
		e = cause.Caused(b.ids.NewID(), p, b.now)
	} else {
		e = event.New(b.ids.NewID(), b.d.Order.ID, b.d.Order.CorrelationID, p, b.now)
	}
	b.d.Emit = append(b.d.Emit, e)
	return e
}

func (b *decider) ignore(reason string) Decision {
	b.d.Ignored = true
	b.d.Reason = reason
	return b.d
}

func (b *decider) releaseInventory(cause *event.Envelope, msg string) {
	e := b.emit(cause, event.InventoryReleaseRequested{OrderID: b.d.Order.ID})
	b.log(StepInventoryRelease, e.Type, e.EventID, StepCompensated, msg)
}

// Place creates the order and the first two events of its saga.
func Place(cmd PlaceOrder, ids redstone.IDGenerator, now time.Time) (Decision, error) {
	if err := cmd.Validate(); err != nil {
		return Decision{}, err
	}
	currency := cmd.Currency
	if currency == "" {
		currency = event.DefaultCurrency
	}
	o := Order{
		ID:              cmd.OrderID,
		CustomerID:      cmd.CustomerID,
		Items:           cmd.Items,
		TotalAmount:     event.Total(cmd.Items),
		Currency:        currency,
		ShippingAddress: cmd.ShippingAddress,
		Status:          StatusPending,
		CorrelationID:   ids.NewID(),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	b := newDecider(o, ids, now)
	b.d.From = ""

	placed := b.emit(nil, event.OrderPlaced{
		OrderID:         o.ID,
		CustomerID:      o.CustomerID,
		Items:           o.Items,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
		Currency:        o.Currency,
	})
	b.log(StepPlaced, placed.Type, placed.EventID, StepCompleted, "")
	b.emit(&placed, event.InventoryReserveRequested{OrderID: o.ID, Items: o.Items})
	return b.d, nil
}

// Decide applies an inbound participant event to o. Pairs the saga does not
// expect are ignored rather than treated as errors, since redelivery and
// late replies are normal.
func Decide(o Order, e event.Envelope, ids redstone.IDGenerator, now time.Time) Decision {
	b := newDecider(o, ids, now)

	switch p := e.Payload.(type) {
	case event.InventoryReserved:
		switch o.Status {
		case StatusPending:
			b.moveTo(StatusInventoryReserved)
			b.log(StepInventoryReserved, e.Type, e.EventID, StepCompleted, "")
			b.emit(&e, event.PaymentRequested{
				OrderID:        o.ID,
				Amount:         o.TotalAmount,
				IdempotencyKey: PaymentKey(o.ID),
				Currency:       o.Currency,
			})
		case StatusFailed, StatusCancelled:
			b.releaseInventory(&e, fmt.Sprintf("reservation arrived after order was %s", o.Status))
		default:
			return b.ignore("inventory already reserved")
		}

	case event.InventoryReserveFailed:
		if o.Status != StatusPending {
			return b.ignore(fmt.Sprintf("reservation failure in state %s", o.Status))
		}
		reason := orDefault(p.Reason, "inventory reservation failed")
		b.fail(reason)
		b.log(StepInventoryReserved, e.Type, e.EventID, StepFailed, reason)
		b.emit(&e, event.OrderFailed{OrderID: o.ID, Reason: reason})

	case event.PaymentProcessed:
		switch o.Status {
		case StatusInventoryReserved:
			b.moveTo(StatusPaymentProcessed)
			b.log(StepPaymentProcessed, e.Type, e.EventID, StepCompleted, "")
			confirmed := b.emit(&e, event.OrderConfirmed{OrderID: o.ID})
			b.moveTo(StatusConfirmed)
			b.log(StepConfirmed, confirmed.Type, confirmed.EventID, StepCompleted, "")
			b.emit(&e, event.ShippingScheduled{OrderID: o.ID, Address: o.ShippingAddress})
		case StatusFailed, StatusCancelled:
			refund := b.emit(&e, event.PaymentRefunded{OrderID: o.ID, Amount: p.Amount})
			b.log(StepPaymentRefund, refund.Type, refund.EventID, StepCompensated,
				fmt.Sprintf("payment arrived after order was %s", o.Status))
		default:
			return b.ignore(fmt.Sprintf("payment processed in state %s", o.Status))
		}

	case event.PaymentFailed:
		if o.Status != StatusInventoryReserved {
			return b.ignore(fmt.Sprintf("payment failure in state %s", o.Status))
		}
		reason := orDefault(p.Reason, "payment failed")
		b.releaseInventory(&e, "")
		b.fail(reason)
		b.log(StepPaymentProcessed, e.Type, e.EventID, StepFailed, reason)
		b.emit(&e, event.OrderFailed{OrderID: o.ID, Reason: reason})

	case event.InventoryReleased:
		if o.Status != StatusFailed && o.Status != StatusCancelled {
			return b.ignore(fmt.Sprintf("inventory released in state %s", o.Status))
		}
		b.log(StepInventoryRelease, e.Type, e.EventID, StepCompleted, "")

	default:
		return b.ignore(fmt.Sprintf("no transition for %s", e.Type))
	}
	return b.d
}

// Cancel stops an order that has not been paid for yet.
func Cancel(o Order, reason string, ids redstone.IDGenerator, now time.Time) (Decision, error) {
	b := newDecider(o, ids, now)
	reason = orDefault(reason, "cancelled by request")
	switch o.Status {
	case StatusPending:
	case StatusInventoryReserved:
		b.releaseInventory(nil, "")
	default:
		return Decision{}, fmt.Errorf("%w: cannot cancel order in state %s", ErrInvalidTransition, o.Status)
	}
	b.moveTo(StatusCancelled)
	b.d.Order.FailureReason = reason
	cancelled := b.emit(nil, event.OrderCancelled{OrderID: o.ID, Reason: reason})
	b.log(StepCancelled, cancelled.Type, cancelled.EventID, StepCompleted, reason)
	return b.d, nil
}

// Expire fails a saga that stopped making progress, compensating whatever
// may already have happened.
func Expire(o Order, reason string, ids redstone.IDGenerator, now time.Time) (Decision, error) {
	if o.Status.Terminal() {
		return Decision{}, fmt.Errorf("%w: order already %s", ErrInvalidTransition, o.Status)
	}
	b := newDecider(o, ids, now)
	reason = orDefault(reason, "saga timed out")
	b.log(StepReconciliation, "", "", StepStarted, fmt.Sprintf("no progress since %s in state %s", o.UpdatedAt.Format(time.RFC3339), o.Status))

	switch o.Status {
	case StatusPending:
		b.fail(reason)
		b.log(StepInventoryReserved, "", "", StepFailed, reason)
	case StatusInventoryReserved:
		b.releaseInventory(nil, "")
		b.fail(reason)
		b.log(StepPaymentProcessed, "", "", StepFailed, reason)
	case StatusPaymentProcessed:
		b.releaseInventory(nil, "")
		refund := b.emit(nil, event.PaymentRefunded{OrderID: o.ID, Amount: o.TotalAmount})
		b.log(StepPaymentRefund, refund.Type, refund.EventID, StepCompensated, "")
		b.fail(reason)
		b.log(StepConfirmed, "", "", StepFailed, reason)
	}
	b.emit(nil, event.OrderFailed{OrderID: o.ID, Reason: reason})
	return b.d, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
