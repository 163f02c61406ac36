package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/redstone/ordersaga/internal/redstone"
)

// Reconciler periodically fails sagas stuck in a non-terminal state.
type Reconciler struct {
	orch      *Orchestrator
	reader    Reader
	clock     redstone.Clock
	log       *redstone.Logger
	Timeout   time.Duration
	Interval  time.Duration
	BatchSize int
}

func NewReconciler(orch *Orchestrator, timeout, interval time.Duration) *Reconciler {
	return &Reconciler{
		orch:      orch,
		reader:    orch.reader,
		clock:     orch.clock,
		log:       orch.log,
		Timeout:   timeout,
		Interval:  interval,
		BatchSize: 100,
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	return redstone.Every(ctx, r.Interval, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconciliation sweep failed", map[string]any{"err": err.Error()})
		}
	})
}

// RunOnce expires every stale saga found and reports how many were failed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.Timeout)
	stale, err := r.reader.ListStale(ctx, cutoff, r.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale orders: %w", err)
	}
	expired := 0
	for _, o := range stale {
		ok, err := r.orch.Expire(ctx, o, cutoff)
		if err != nil {
			r.log.Error("expire order failed", map[string]any{"order_id": o.ID, "err": err.Error()})
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}
