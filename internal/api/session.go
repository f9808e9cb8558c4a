package api

import (
	"context"
	"errors"
	"mime"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/Capitan-Parrot/detection-stream/internal/camera"
	"github.com/Capitan-Parrot/detection-stream/internal/models"
	"github.com/Capitan-Parrot/detection-stream/internal/runner"
)

type startRequest struct {
	SessionName string `json:"session_name"`
}

// sessionNameFromRequest принимает имя и из JSON, и из формы
func sessionNameFromRequest(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return req.SessionName, nil
	}
	return r.FormValue("session_name"), nil
}

// StartHandler starts a session and returns its normalized name.
func (h *Handlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	name, err := sessionNameFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.ctrl.Start(r.Context(), name)
	switch {
	case errors.Is(err, runner.ErrInvalidSessionName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, camera.ErrCameraUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Errorf("API: start session: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	writeJSON(w, map[string]string{"session_name": session})
}

// StopHandler stops the running session. Stopping twice is fine.
func (h *Handlers) StopHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(r.Context()); err != nil {
		h.logger.Warnf("API: stop session: %v", err)
	}

	st := h.ctrl.Status()
	writeJSON(w, map[string]string{
		"status":       string(st.State),
		"session_name": st.SessionName,
	})
}

// ExitHandler answers first and shuts the process down afterwards.
func (h *Handlers) ExitHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "exiting"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	go func() {
		if err := h.ctrl.Exit(context.WithoutCancel(r.Context())); err != nil {
			h.logger.Warnf("API: exit: %v", err)
		}
	}()
}

type statusResponse struct {
	runner.Status
	Session *models.Session `json:"session,omitempty"`
}

// StatusHandler reports the live runner state together with the stored
// session row, when the ledger has one.
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.ctrl.Status()}
	if resp.SessionName != "" {
		session, err := h.ledger.GetSession(r.Context(), resp.SessionName)
		if err != nil {
			// живое состояние важнее, отдаём его без строки из БД
			h.logger.Warnf("API: get session %s: %v", resp.SessionName, err)
		}
		resp.Session = session
	}
	writeJSON(w, resp)
}
