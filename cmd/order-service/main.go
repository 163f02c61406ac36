package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redstone/ordersaga/internal/app"
	"github.com/redstone/ordersaga/internal/httpapi"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/saga"
	"github.com/redstone/ordersaga/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, "order-service", "8080", postgres.OrderTables)
	if err != nil {
		redstone.NewLogger("order-service").Error("startup failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer rt.Close()

	deps := rt.Deps()
	orch := saga.NewOrchestrator(postgres.For[saga.Tx](rt.DB), rt.DB, rt.Codec, saga.Deps{
		Clock:   deps.Clock,
		IDs:     deps.IDs,
		Log:     deps.Log,
		Metrics: rt.Metrics,
	})
	m := rt.Manager()
	orch.Register(m)

	reconciler := saga.NewReconciler(orch, rt.Config.SagaTimeout, rt.Config.ReconcileInterval)
	handler := rt.Router(httpapi.Options{Orders: orch}, m)

	if err := rt.Serve(ctx, handler, m, reconciler.Run); err != nil {
		rt.Log.Error("service stopped", map[string]any{"err": err.Error()})
		rt.Close()
		os.Exit(1)
	}
}
