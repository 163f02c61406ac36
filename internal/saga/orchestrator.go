package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/redstone"
)

// Tx is what one saga step needs from the order service's database.
type Tx interface {
	idempotency.Tx
	InsertOrder(ctx context.Context, o Order) error
	// GetOrderForUpdate locks the order row until the transaction ends.
	GetOrderForUpdate(ctx context.Context, id string) (Order, error)
	// UpdateOrder fails with ErrConcurrentUpdate unless the stored version
	// equals expectedVersion.
	UpdateOrder(ctx context.Context, o Order, expectedVersion int) error
	AppendSagaLog(ctx context.Context, entries ...LogEntry) error
}

type Reader interface {
	GetOrder(ctx context.Context, id string) (Order, error)
	// ListSagaLog returns entries ordered by (timestamp, seq).
	ListSagaLog(ctx context.Context, orderID string) ([]LogEntry, error)
	// ListStale returns non-terminal orders not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Order, error)
}

type Deps struct {
	Clock   redstone.Clock
	IDs     redstone.IDGenerator
	Log     *redstone.Logger
	Metrics *redstone.Metrics
}

// Orchestrator persists saga decisions. Every step runs under an
// idempotency key and commits the order update, its saga log entries and
// its outbound events together.
type Orchestrator struct {
	guard   *idempotency.Guard[Tx]
	reader  Reader
	clock   redstone.Clock
	ids     redstone.IDGenerator
	log     *redstone.Logger
	metrics *redstone.Metrics
}

func NewOrchestrator(store idempotency.Store[Tx], reader Reader, codec *event.Registry, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = redstone.SystemClock{}
	}
	if deps.IDs == nil {
		deps.IDs = redstone.UUIDGenerator{}
	}
	if deps.Log == nil {
		deps.Log = redstone.NewNopLogger()
	}
	return &Orchestrator{
		guard:   idempotency.NewGuard[Tx](store, codec, idempotency.Deps{Clock: deps.Clock, IDs: deps.IDs, Log: deps.Log}),
		reader:  reader,
		clock:   deps.Clock,
		ids:     deps.IDs,
		log:     deps.Log,
		metrics: deps.Metrics,
	}
}

// SubscribedTypes are the participant replies the orchestrator reacts to.
var SubscribedTypes = []event.Type{
	event.TypeInventoryReserved,
	event.TypeInventoryReserveFailed,
	event.TypePaymentProcessed,
	event.TypePaymentFailed,
	event.TypeInventoryReleased,
}

func (o *Orchestrator) Register(m *deadletter.Manager) {
	h := o.guard.Wrap(idempotency.KeyByAggregate("order"), o.HandleEvent)
	for _, t := range SubscribedTypes {
		m.Register(t, h)
	}
}

// PlaceOrder creates the order once per order id. A repeated request returns
// the stored result with replayed set.
func (o *Orchestrator) PlaceOrder(ctx context.Context, cmd PlaceOrder) (Order, bool, error) {
	if err := cmd.Validate(); err != nil {
		return Order{}, false, err
	}
	hash, err := idempotency.Hash(cmd)
	if err != nil {
		return Order{}, false, err
	}
	out, err := o.guard.Do(ctx, idempotency.Op{Key: "order:" + cmd.OrderID + ":place", RequestHash: hash},
		func(ctx context.Context, tx Tx) (idempotency.Result, error) {
			d, err := Place(cmd, o.ids, o.clock.Now())
			if err != nil {
				return idempotency.Result{}, err
			}
			if err := tx.InsertOrder(ctx, d.Order); err != nil {
				return idempotency.Result{}, err
			}
			if err := tx.AppendSagaLog(ctx, d.Log...); err != nil {
				return idempotency.Result{}, err
			}
			o.log.Info("order placed", map[string]any{
				"order_id": d.Order.ID, "correlation_id": d.Order.CorrelationID, "total_amount": d.Order.TotalAmount.String(),
			})
			return summarize(d)
		})
	if err != nil {
		return Order{}, false, err
	}
	order, err := orderFrom(out.Result)
	return order, out.Replayed, err
}

// HandleEvent applies a participant reply inside tx.
func (o *Orchestrator) HandleEvent(ctx context.Context, tx Tx, e event.Envelope) (idempotency.Result, error) {
	current, err := tx.GetOrderForUpdate(ctx, e.AggregateID)
	if errors.Is(err, ErrOrderNotFound) {
		return idempotency.Result{}, deadletter.Poison(fmt.Errorf("%s for order %s: %w", e.Type, e.AggregateID, err))
	}
	if err != nil {
		return idempotency.Result{}, err
	}
	return o.apply(ctx, tx, current, Decide(current, e, o.ids, o.clock.Now()), e.EventID)
}

// Cancel is the operator/customer cancel command.
func (o *Orchestrator) Cancel(ctx context.Context, orderID, reason string) (Order, error) {
	out, err := o.guard.Do(ctx, idempotency.Op{Key: "order:" + orderID + ":cancel"},
		func(ctx context.Context, tx Tx) (idempotency.Result, error) {
			current, err := tx.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return idempotency.Result{}, err
			}
			d, err := Cancel(current, reason, o.ids, o.clock.Now())
			if err != nil {
				return idempotency.Result{}, err
			}
			return o.apply(ctx, tx, current, d, "")
		})
	if err != nil {
		return Order{}, err
	}
	return orderFrom(out.Result)
}

// Expire applies the timeout transition if stale is still the current
// version of the order and still older than cutoff. It reports whether the
// order was failed.
func (o *Orchestrator) Expire(ctx context.Context, stale Order, cutoff time.Time) (bool, error) {
	key := "order:" + stale.ID + ":expire:v" + strconv.Itoa(stale.Version)
	out, err := o.guard.Do(ctx, idempotency.Op{Key: key},
		func(ctx context.Context, tx Tx) (idempotency.Result, error) {
			current, err := tx.GetOrderForUpdate(ctx, stale.ID)
			if err != nil {
				return idempotency.Result{}, err
			}
			if current.Version != stale.Version || current.Status.Terminal() || current.UpdatedAt.After(cutoff) {
				return idempotency.Result{}, nil
			}
			d, err := Expire(current, "", o.ids, o.clock.Now())
			if err != nil {
				return idempotency.Result{}, err
			}
			o.log.Warn("saga timed out", map[string]any{
				"order_id": current.ID, "status": string(current.Status), "updated_at": current.UpdatedAt,
			})
			return o.apply(ctx, tx, current, d, "")
		})
	if err != nil {
		return false, err
	}
	return !out.Replayed && len(out.Result.Events) > 0, nil
}

func (o *Orchestrator) apply(ctx context.Context, tx Tx, current Order, d Decision, eventID string) (idempotency.Result, error) {
	if d.Ignored {
		o.log.Warn("event ignored", map[string]any{
			"order_id": current.ID, "status": string(current.Status), "event_id": eventID, "reason": d.Reason,
		})
		return summarize(d)
	}
	if d.Changed() {
		next := d.Order
		next.Version = current.Version + 1
		if err := tx.UpdateOrder(ctx, next, current.Version); err != nil {
			return idempotency.Result{}, err
		}
		d.Order = next
		o.metrics.Transition(string(d.From), string(d.To()))
		o.log.Info("saga transition", map[string]any{
			"order_id": current.ID, "correlation_id": current.CorrelationID,
			"from": string(d.From), "to": string(d.To()), "event_id": eventID,
		})
	}
	if err := tx.AppendSagaLog(ctx, d.Log...); err != nil {
		return idempotency.Result{}, err
	}
	return summarize(d)
}

func summarize(d Decision) (idempotency.Result, error) {
	b, err := json.Marshal(d.Order)
	if err != nil {
		return idempotency.Result{}, err
	}
	return idempotency.Result{Events: d.Emit, Summary: b}, nil
}

func orderFrom(r idempotency.Result) (Order, error) {
	var order Order
	if err := json.Unmarshal(r.Summary, &order); err != nil {
		return Order{}, fmt.Errorf("decode order summary: %w", err)
	}
	return order, nil
}

func (o *Orchestrator) GetOrder(ctx context.Context, id string) (Order, error) {
	return o.reader.GetOrder(ctx, id)
}

func (o *Orchestrator) SagaLog(ctx context.Context, orderID string) ([]LogEntry, error) {
	if _, err := o.reader.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return o.reader.ListSagaLog(ctx, orderID)
}
