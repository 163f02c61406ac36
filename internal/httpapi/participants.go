package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/redstone/ordersaga/internal/inventory"
	"github.com/redstone/ordersaga/internal/payment"
	"github.com/redstone/ordersaga/internal/shipping"
)

func (a *api) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := a.Reservations.Reservation(r.Context(), chi.URLParam(r, "orderID"))
	a.lookup(w, r, res, err, inventory.ErrReservationNotFound)
}

func (a *api) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := a.Payments.Payment(r.Context(), chi.URLParam(r, "orderID"))
	a.lookup(w, r, p, err, payment.ErrPaymentNotFound)
}

func (a *api) getShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := a.Shipments.Shipment(r.Context(), chi.URLParam(r, "orderID"))
	a.lookup(w, r, sh, err, shipping.ErrShipmentNotFound)
}

// lookup writes v, or 404 when err is notFound.
func (a *api) lookup(w http.ResponseWriter, r *http.Request, v any, err, notFound error) {
	switch {
	case errors.Is(err, notFound):
		a.fail(w, r, http.StatusNotFound, err)
	case err != nil:
		a.fail(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, v)
	}
}
