package api

import (
	"errors"
	"net/http"

	"github.com/Capitan-Parrot/detection-stream/internal/runner"
)

var partHeader = []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")

// VideoFeedHandler streams annotated frames as MJPEG. The stream owns the
// session: when the client disconnects the session stops.
func (h *Handlers) VideoFeedHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	started := false
	err := h.ctrl.Stream(r.Context(), h.period, func(res *runner.Result) error {
		if !started {
			w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
			w.Header().Set("Cache-Control", "no-cache")
			started = true
		}

		// ошибка записи значит, что клиент отключился
		if _, err := w.Write(partHeader); err != nil {
			return err
		}
		if _, err := w.Write(res.JPEG); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if started {
		if err != nil {
			h.logger.Debugf("MJPEG: stream ended: %v", err)
		}
		return
	}

	switch {
	case errors.Is(err, runner.ErrSessionNotStarted):
		writeError(w, http.StatusConflict, "session not started")
	case errors.Is(err, runner.ErrStreamBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}
