package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/inventory"
	"github.com/redstone/ordersaga/internal/saga"
)

const IdempotencyKeyHeader = "Idempotency-Key"

var errMissingOrderID = errors.New("order_id or Idempotency-Key header is required")

// OrderIDFromKey derives a stable order id from a client idempotency key.
func OrderIDFromKey(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("redstone:order:"+key)).String()
}

func (a *api) createOrder(w http.ResponseWriter, r *http.Request) {
	var cmd saga.PlaceOrder
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		a.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if strings.TrimSpace(cmd.OrderID) == "" {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" {
			a.fail(w, r, http.StatusBadRequest, errMissingOrderID)
			return
		}
		cmd.OrderID = OrderIDFromKey(key)
	}

	o, replayed, err := a.Orders.PlaceOrder(r.Context(), cmd)
	switch {
	case errors.Is(err, saga.ErrInvalidOrder):
		a.fail(w, r, http.StatusBadRequest, err)
		return
	case errors.Is(err, idempotency.ErrKeyConflict):
		a.fail(w, r, http.StatusConflict, err)
		return
	case err != nil:
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, o)
}

func (a *api) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, saga.ErrOrderNotFound) {
		a.fail(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *api) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
	}
	o, err := a.Orders.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	switch {
	case errors.Is(err, saga.ErrOrderNotFound):
		a.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, saga.ErrInvalidTransition):
		a.fail(w, r, http.StatusConflict, err)
	case err != nil:
		a.fail(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, o)
	}
}

type sagaLogResponse struct {
	OrderID string          `json:"order_id"`
	Entries []saga.LogEntry `json:"entries"`
}

func (a *api) sagaLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := a.Orders.SagaLog(r.Context(), id)
	if errors.Is(err, saga.ErrOrderNotFound) {
		a.fail(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []saga.LogEntry{}
	}
	writeJSON(w, http.StatusOK, sagaLogResponse{OrderID: id, Entries: entries})
}

type stockResponse struct {
	SKU       string `json:"sku"`
	OnHand    int64  `json:"on_hand"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

func (a *api) getStock(w http.ResponseWriter, r *http.Request) {
	st, err := a.Stock.Stock(r.Context(), chi.URLParam(r, "sku"))
	if errors.Is(err, inventory.ErrProductNotFound) {
		a.fail(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stockResponse{SKU: st.ProductID, OnHand: st.OnHand, Reserved: st.Reserved, Available: st.Available()})
}

