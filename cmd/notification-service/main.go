package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redstone/ordersaga/internal/app"
	"github.com/redstone/ordersaga/internal/httpapi"
	"github.com/redstone/ordersaga/internal/notification"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/store/redisstore"
)

// Notifications are only deduplicated for this long.
const recordTTL = 7 * 24 * time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres still holds this service's retries and dead letters.
	rt, err := app.Start(ctx, "notification-service", "8084")
	if err != nil {
		redstone.NewLogger("notification-service").Error("startup failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer rt.Close()

	rdb := redis.NewClient(&redis.Options{Addr: rt.Config.RedisAddr})
	defer rdb.Close()
	records := redisstore.New(rdb, "notification:", recordTTL)

	svc := notification.NewService(records, notification.LogNotifier{Log: rt.Log}, rt.Codec, rt.Deps())
	m := rt.Manager()
	svc.Register(m)

	handler := rt.Router(httpapi.Options{
		Health: func(ctx context.Context) error {
			if err := rt.DB.Ping(ctx); err != nil {
				return err
			}
			return records.Ping(ctx)
		},
	}, m)
	if err := rt.Serve(ctx, handler, m); err != nil {
		rt.Log.Error("service stopped", map[string]any{"err": err.Error()})
		rt.Close()
		os.Exit(1)
	}
}
