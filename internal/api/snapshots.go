package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/samber/lo"

	"github.com/Capitan-Parrot/detection-stream/internal/snapshot"
)

const staticPrefix = "/static/snapshots/"

// SnapshotsHandler lists the saved snapshots of a session as URLs grouped by
// class. Without ?session= the current session is used.
func (h *Handlers) SnapshotsHandler(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if session == "" {
		session = h.ctrl.Status().SessionName
	}
	if session == "" {
		writeError(w, http.StatusBadRequest, "session parameter is required")
		return
	}

	files, err := h.snapshots.List(session)
	if errors.Is(err, snapshot.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Errorf("API: list snapshots of %s: %v", session, err)
		writeError(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}

	urls := lo.MapValues(files, func(names []string, class string) []string {
		return lo.Map(names, func(name string, _ int) string {
			return staticPrefix + url.PathEscape(session) + "/" + url.PathEscape(class) + "/" + url.PathEscape(name)
		})
	})

	writeJSON(w, map[string]any{
		"session":   session,
		"snapshots": urls,
	})
}
