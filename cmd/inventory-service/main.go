package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redstone/ordersaga/internal/app"
	"github.com/redstone/ordersaga/internal/httpapi"
	"github.com/redstone/ordersaga/internal/inventory"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, "inventory-service", "8081", postgres.InventoryTables)
	if err != nil {
		redstone.NewLogger("inventory-service").Error("startup failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer rt.Close()

	svc := inventory.NewService(postgres.For[inventory.Tx](rt.DB), rt.DB, rt.Codec, rt.Deps())
	if len(rt.Config.InventorySeed) > 0 {
		if err := svc.Seed(ctx, rt.Config.InventorySeed); err != nil {
			rt.Log.Error("seed stock failed", map[string]any{"err": err.Error()})
			rt.Close()
			os.Exit(1)
		}
		rt.Log.Info("stock seeded", map[string]any{"products": len(rt.Config.InventorySeed)})
	}
	m := rt.Manager()
	svc.Register(m)

	handler := rt.Router(httpapi.Options{Stock: svc, Reservations: svc}, m)
	if err := rt.Serve(ctx, handler, m); err != nil {
		rt.Log.Error("service stopped", map[string]any{"err": err.Error()})
		rt.Close()
		os.Exit(1)
	}
}
