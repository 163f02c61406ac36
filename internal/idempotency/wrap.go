package idempotency

import (
	"context"

	"github.com/redstone/ordersaga/internal/event"
)

// Handler is a transactional event handler.
type Handler[TX Tx] func(ctx context.Context, tx TX, e event.Envelope) (Result, error)

type KeyFunc func(e event.Envelope) string

// KeyByAggregate keys an operation by scope, aggregate and event type, so a
// re-published copy of the same logical event is recognised even when it
// carries a new event id.
func KeyByAggregate(scope string) KeyFunc {
	return func(e event.Envelope) string {
		return scope + ":" + e.AggregateID + ":" + string(e.Type)
	}
}

// Wrap turns h into a broker-facing handler guarded by key.
func (g *Guard[TX]) Wrap(key KeyFunc, h Handler[TX]) func(ctx context.Context, e event.Envelope) error {
	return func(ctx context.Context, e event.Envelope) error {
		out, err := g.Do(ctx, Op{Key: key(e), Reemit: true}, func(ctx context.Context, tx TX) (Result, error) {
			return h(ctx, tx, e)
		})
		if err != nil {
			return err
		}
		if out.Replayed {
			g.log.Info("duplicate event absorbed", map[string]any{
				"event_id": e.EventID, "event_type": string(e.Type), "aggregate_id": e.AggregateID, "key": key(e),
			})
		}
		return nil
	}
}
