package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/outbox"
)

type depthResponse struct {
	Outbox         *outbox.Depth `json:"outbox,omitempty"`
	DeadLetters    int           `json:"dead_letters"`
	RetriesPending int           `json:"retries_pending"`
}

func (a *api) depth(w http.ResponseWriter, r *http.Request) {
	var resp depthResponse
	if a.Outbox != nil {
		d, err := a.Outbox.Depth(r.Context())
		if err != nil {
			a.fail(w, r, http.StatusInternalServerError, err)
			return
		}
		a.Metrics.OutboxDepth(string(outbox.StatusPending), d.Pending)
		a.Metrics.OutboxDepth(string(outbox.StatusFailed), d.Failed)
		resp.Outbox = &d
	}
	if a.DeadLetters != nil {
		d, err := a.DeadLetters.Depth(r.Context())
		if err != nil {
			a.fail(w, r, http.StatusInternalServerError, err)
			return
		}
		resp.DeadLetters = d.DeadLetters
		resp.RetriesPending = d.RetriesPending
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.fail(w, r, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	letters, err := a.DeadLetters.List(r.Context(), limit)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if letters == nil {
		letters = []deadletter.Letter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (a *api) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	l, err := a.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, deadletter.ErrNotFound) {
		a.fail(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type replayResponse struct {
	ID    string           `json:"id"`
	State deadletter.State `json:"state"`
}

func (a *api) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := a.DeadLetters.Replay(r.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		a.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, deadletter.ErrNoRequeuer), errors.Is(err, outbox.ErrNotFailed):
		a.fail(w, r, http.StatusConflict, err)
	case err != nil:
		a.fail(w, r, http.StatusInternalServerError, err)
	default:
		a.Log.Info("dead letter replay requested", map[string]any{"dead_letter_id": id, "state": string(state)})
		writeJSON(w, http.StatusOK, replayResponse{ID: id, State: state})
	}
}

func (a *api) requeueOutbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.Outbox.Requeue(r.Context(), id, a.Clock.Now())
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		a.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, outbox.ErrNotFailed):
		a.fail(w, r, http.StatusConflict, err)
	case err != nil:
		a.fail(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(outbox.StatusPending)})
	}
}
