// Package httpapi is the HTTP surface shared by the services: order commands
// and queries, stock lookups and operator endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/inventory"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/payment"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/saga"
	"github.com/redstone/ordersaga/internal/shipping"
)

type Orders interface {
	PlaceOrder(ctx context.Context, cmd saga.PlaceOrder) (saga.Order, bool, error)
	Cancel(ctx context.Context, orderID, reason string) (saga.Order, error)
	GetOrder(ctx context.Context, id string) (saga.Order, error)
	SagaLog(ctx context.Context, orderID string) ([]saga.LogEntry, error)
}

type Stock interface {
	Stock(ctx context.Context, productID string) (inventory.Stock, error)
}

type Reservations interface {
	Reservation(ctx context.Context, orderID string) (inventory.Reservation, error)
}

type Payments interface {
	Payment(ctx context.Context, orderID string) (payment.Payment, error)
}

type Shipments interface {
	Shipment(ctx context.Context, orderID string) (shipping.Shipment, error)
}

type Outbox interface {
	Depth(ctx context.Context) (outbox.Depth, error)
	Requeue(ctx context.Context, id string, now time.Time) error
}

type DeadLetters interface {
	List(ctx context.Context, limit int) ([]deadletter.Letter, error)
	Get(ctx context.Context, id string) (deadletter.Letter, error)
	Replay(ctx context.Context, id string) (deadletter.State, error)
	Depth(ctx context.Context) (deadletter.Depth, error)
}

// Options wires a router. Nil groups are not mounted.
type Options struct {
	Log          *redstone.Logger
	Metrics      *redstone.Metrics
	Clock        redstone.Clock
	Orders       Orders
	Stock        Stock
	Reservations Reservations
	Payments     Payments
	Shipments    Shipments
	Outbox       Outbox
	DeadLetters  DeadLetters
	// Health reports whether the service's dependencies are reachable.
	Health func(ctx context.Context) error
}

type api struct {
	Options
}

func NewRouter(o Options) chi.Router {
	if o.Log == nil {
		o.Log = redstone.NewNopLogger()
	}
	if o.Clock == nil {
		o.Clock = redstone.SystemClock{}
	}
	a := &api{Options: o}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, traced)
	r.Get("/healthz", a.healthz)
	if o.Metrics != nil {
		r.Handle("/metrics", o.Metrics.Handler())
	}
	if o.Orders != nil {
		r.Post("/v1/orders", a.createOrder)
		r.Get("/v1/orders/{id}", a.getOrder)
		r.Post("/v1/orders/{id}/cancel", a.cancelOrder)
		r.Get("/v1/orders/{id}/saga-log", a.sagaLog)
	}
	if o.Stock != nil {
		r.Get("/v1/stock/{sku}", a.getStock)
	}
	if o.Reservations != nil {
		r.Get("/v1/reservations/{orderID}", a.getReservation)
	}
	if o.Payments != nil {
		r.Get("/v1/payments/{orderID}", a.getPayment)
	}
	if o.Shipments != nil {
		r.Get("/v1/shipments/{orderID}", a.getShipment)
	}
	r.Route("/v1/ops", func(r chi.Router) {
		r.Get("/depth", a.depth)
		if o.DeadLetters != nil {
			r.Get("/dead-letters", a.listDeadLetters)
			r.Get("/dead-letters/{id}", a.getDeadLetter)
			r.Post("/dead-letters/{id}/replay", a.replayDeadLetter)
		}
		if o.Outbox != nil {
			r.Post("/outbox/{id}/requeue", a.requeueOutbox)
		}
	})
	return r
}

func traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := redstone.StartServerSpan(r.Context(), r.Method, r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.Health != nil {
		if err := a.Health(r.Context()); err != nil {
			a.Log.Warn("health check failed", map[string]any{"err": err.Error()})
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.Log.Error("request failed", map[string]any{
			"err": err.Error(), "path": r.URL.Path, "request_id": middleware.GetReqID(r.Context()),
		})
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
