package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// DetectionsHandler returns the live best-per-class list of the current session.
func (h *Handlers) DetectionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"detections": h.ctrl.Detections()})
}

// SessionsHandler returns the ledger summary per session.
func (h *Handlers) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.ledger.ListSessions(r.Context())
	if err != nil {
		h.logger.Errorf("API: list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

// SessionDetectionsHandler обработчик для получения детекций по имени сессии
func (h *Handlers) SessionDetectionsHandler(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.ledger.ListDetections(r.Context(), session, limit)
	if err != nil {
		h.logger.Errorf("API: list detections of %s: %v", session, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch detections")
		return
	}
	writeJSON(w, map[string]any{
		"session_name": session,
		"detections":   records,
	})
}
