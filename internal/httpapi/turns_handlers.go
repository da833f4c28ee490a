package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/lukasbauer/rehearsal/internal/store"
)

func (r *Router) handleListTurns(w http.ResponseWriter, req *http.Request) {
	candidate := getAuthCandidate(req.Context())
	if candidate == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	limit := 100
	if s := req.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	turns, err := r.turns.ListTurnsByCandidate(req.Context(), candidate.ID, req.URL.Query().Get("question_id"), limit)
	if err != nil {
		r.logger.Errorw("turns: list failed", "candidate_id", candidate.ID, "error", err)
		captureError(req, err, "turns: list failed")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func (r *Router) handleGetTurn(w http.ResponseWriter, req *http.Request) {
	candidate := getAuthCandidate(req.Context())
	if candidate == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	id := req.PathValue("id")
	if id == "" {
		http.Error(w, `{"error": "missing id"}`, http.StatusBadRequest)
		return
	}

	// Other candidates' turns are reported as missing, not forbidden.
	turn, err := r.turns.GetTurn(req.Context(), candidate.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Errorw("turns: get failed", "turn_id", id, "error", err)
		captureError(req, err, "turns: get failed")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (r *Router) handleGetTurnEvents(w http.ResponseWriter, req *http.Request) {
	candidate := getAuthCandidate(req.Context())
	if candidate == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}

	id := req.PathValue("id")
	if _, err := r.turns.GetTurn(req.Context(), candidate.ID, id); err != nil {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}

	events, err := r.events.ListEvents(req.Context(), id)
	if err != nil {
		r.logger.Errorw("turns: events failed", "turn_id", id, "error", err)
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
