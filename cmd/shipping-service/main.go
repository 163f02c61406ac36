package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redstone/ordersaga/internal/app"
	"github.com/redstone/ordersaga/internal/httpapi"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/shipping"
	"github.com/redstone/ordersaga/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, "shipping-service", "8083", postgres.ShippingTables)
	if err != nil {
		redstone.NewLogger("shipping-service").Error("startup failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer rt.Close()

	svc := shipping.NewService(postgres.For[shipping.Tx](rt.DB), rt.DB, rt.Codec, rt.Deps())
	m := rt.Manager()
	svc.Register(m)

	if err := rt.Serve(ctx, rt.Router(httpapi.Options{Shipments: svc}, m), m); err != nil {
		rt.Log.Error("service stopped", map[string]any{"err": err.Error()})
		rt.Close()
		os.Exit(1)
	}
}
