// Package app assembles a service process: configuration, logging, the
// database, the broker and the background loops that every service runs.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/httpapi"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/store/postgres"
)

type Runtime struct {
	Config  redstone.Config
	Log     *redstone.Logger
	Metrics *redstone.Metrics
	Codec   *event.Registry
	Clock   redstone.Clock
	DB      *postgres.DB
	Broker  redstone.Broker

	// Publisher is Broker behind a circuit breaker.
	Publisher redstone.Publisher

	tracer *sdktrace.TracerProvider
}

// Start loads configuration for service, connects to Postgres, applies the
// given table sets and opens the configured broker.
func Start(ctx context.Context, service, defaultPort string, tables ...[]string) (*Runtime, error) {
	cfg, err := redstone.LoadConfig(service, defaultPort)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(true); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := redstone.NewLoggerWithLevel(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	codec := event.Default()
	if err := codec.Validate(); err != nil {
		return nil, err
	}

	// Spans are not exported; the provider exists so trace context is
	// created and carried across services in message headers.
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	sets := append([][]string{postgres.CoreTables}, tables...)
	if err := db.Migrate(ctx, sets...); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	broker, err := openBroker(cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("service configured", map[string]any{
		"broker": cfg.Broker, "port": cfg.HTTPPort, "consumer_concurrency": cfg.ConsumerConcurrency,
	})

	return &Runtime{
		Config:    cfg,
		Log:       log,
		Metrics:   redstone.NewMetrics(cfg.ServiceName),
		Codec:     codec,
		Clock:     redstone.SystemClock{},
		DB:        db,
		Broker:    broker,
		Publisher: redstone.NewBreakerPublisher(cfg.ServiceName+"-broker", broker, cfg.BreakerFailures, cfg.BreakerOpenTimeout, log),
		tracer:    tp,
	}, nil
}

func openBroker(cfg redstone.Config, log *redstone.Logger) (redstone.Broker, error) {
	switch cfg.Broker {
	case redstone.BrokerRabbitMQ:
		b, err := redstone.NewAMQPBroker(cfg.RabbitURL, log)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		return b, nil
	default:
		return redstone.NewKafkaBroker(cfg.KafkaBrokers, redstone.Router{Prefix: cfg.KafkaTopicPrefix}, log), nil
	}
}

func (rt *Runtime) Close() {
	if err := rt.Broker.Close(); err != nil {
		rt.Log.Warn("broker close failed", map[string]any{"err": err.Error()})
	}
	rt.DB.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rt.tracer.Shutdown(shutdownCtx)
	_ = rt.Log.Sync()
}

// Deps is what idempotent handlers need from the runtime.
func (rt *Runtime) Deps() idempotency.Deps {
	return idempotency.Deps{Clock: rt.Clock, IDs: redstone.UUIDGenerator{}, Log: rt.Log}
}

// Manager builds the retry manager for this service's consumer group.
// Handlers are registered on it before Serve.
func (rt *Runtime) Manager() *deadletter.Manager {
	c := rt.Config.Retry
	return deadletter.NewManager(deadletter.Config{
		Group:        rt.Config.ServiceName,
		MaxRetries:   c.MaxRetries,
		BaseDelay:    c.BaseDelay,
		MaxDelay:     c.MaxDelay,
		PollInterval: c.PollInterval,
		BatchSize:    c.BatchSize,
	}, rt.Codec, rt.DB, rt.DB,
		deadletter.WithClock(rt.Clock),
		deadletter.WithLogger(rt.Log),
		deadletter.WithMetrics(rt.Metrics),
		deadletter.WithRequeuer(rt.DB),
	)
}

// Relay builds the outbox publisher; exhausted entries go to sink.
func (rt *Runtime) Relay(sink outbox.FailureSink) *outbox.Publisher {
	c := rt.Config.Outbox
	return outbox.NewPublisher(rt.DB, rt.Publisher, outbox.Config{
		PollInterval: c.PollInterval,
		BatchSize:    c.BatchSize,
		MaxAttempts:  c.MaxAttempts,
		BaseDelay:    c.BaseDelay,
		MaxDelay:     c.MaxDelay,
		Lease:        c.Lease,
	},
		outbox.WithClock(rt.Clock),
		outbox.WithFailureSink(sink),
		outbox.WithLogger(rt.Log),
		outbox.WithMetrics(rt.Metrics),
	)
}

// Router mounts the shared endpoints plus whatever o adds.
func (rt *Runtime) Router(o httpapi.Options, m *deadletter.Manager) http.Handler {
	o.Log = rt.Log
	o.Metrics = rt.Metrics
	o.Clock = rt.Clock
	o.Outbox = rt.DB
	o.DeadLetters = m
	if o.Health == nil {
		o.Health = rt.DB.Ping
	}
	return httpapi.NewRouter(o)
}

// Serve runs the HTTP server, the consumer, the retry poller, the outbox
// publisher and any extra loops until ctx is done or one of them fails.
func (rt *Runtime) Serve(ctx context.Context, handler http.Handler, m *deadletter.Manager, extra ...redstone.Loop) error {
	srv := &http.Server{
		Addr:              ":" + rt.Config.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	sub := m.Subscription(rt.Config.ConsumerConcurrency)
	loops := []redstone.Loop{
		func(ctx context.Context) error { return rt.Broker.Subscribe(ctx, sub, m.Handle) },
		m.Run,
		rt.Relay(m).Run,
	}
	return redstone.Run(ctx, rt.Log, srv, append(loops, extra...)...)
}
