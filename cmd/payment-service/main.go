package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/redstone/ordersaga/internal/app"
	"github.com/redstone/ordersaga/internal/httpapi"
	"github.com/redstone/ordersaga/internal/payment"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, "payment-service", "8082", postgres.PaymentTables)
	if err != nil {
		redstone.NewLogger("payment-service").Error("startup failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer rt.Close()

	limit, err := decimal.NewFromString(rt.Config.PaymentDeclineAbove)
	if err != nil {
		rt.Log.Error("invalid PAYMENT_DECLINE_ABOVE", map[string]any{"value": rt.Config.PaymentDeclineAbove, "err": err.Error()})
		rt.Close()
		os.Exit(1)
	}
	gateway := payment.NewSimulatedGateway(limit, redstone.UUIDGenerator{})

	svc := payment.NewService(postgres.For[payment.Tx](rt.DB), rt.DB, gateway, rt.Codec, rt.Deps())
	m := rt.Manager()
	svc.Register(m)

	handler := rt.Router(httpapi.Options{Payments: svc}, m)
	if err := rt.Serve(ctx, handler, m); err != nil {
		rt.Log.Error("service stopped", map[string]any{"err": err.Error()})
		rt.Close()
		os.Exit(1)
	}
}
