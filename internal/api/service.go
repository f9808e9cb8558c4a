package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/detection-stream/internal/metrics"
	"github.com/Capitan-Parrot/detection-stream/internal/models"
	"github.com/Capitan-Parrot/detection-stream/internal/runner"
	"github.com/Capitan-Parrot/detection-stream/internal/tracker"
)

// Controller is the streaming loop as seen by HTTP clients.
type Controller interface {
	Start(ctx context.Context, name string) (string, error)
	Stop(ctx context.Context) error
	Exit(ctx context.Context) error
	Status() runner.Status
	Detections() []tracker.Summary
	Stream(ctx context.Context, period time.Duration, yield func(*runner.Result) error) error
}

// LedgerReader is the read side of the session ledger.
type LedgerReader interface {
	ListSessions(ctx context.Context) ([]models.SessionSummary, error)
	ListDetections(ctx context.Context, session string, limit int) ([]models.DetectionRecord, error)
	GetSession(ctx context.Context, name string) (*models.Session, error)
}

type SnapshotLister interface {
	List(session string) (map[string][]string, error)
	Root() string
}

type Handlers struct {
	ctrl      Controller
	ledger    LedgerReader
	snapshots SnapshotLister
	metrics   *metrics.Metrics
	period    time.Duration
	logger    *zap.SugaredLogger
}

// NewHandlers wires the handlers. period paces the video feed; zero means
// as fast as the pipeline runs.
func NewHandlers(ctrl Controller, ledger LedgerReader, snapshots SnapshotLister, m *metrics.Metrics, period time.Duration, logger *zap.SugaredLogger) *Handlers {
	return &Handlers{
		ctrl:      ctrl,
		ledger:    ledger,
		snapshots: snapshots,
		metrics:   m,
		period:    period,
		logger:    logger,
	}
}

// Router registers every route.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/start", h.StartHandler).Methods(http.MethodPost)
	r.HandleFunc("/stop", h.StopHandler).Methods(http.MethodPost)
	r.HandleFunc("/exit", h.ExitHandler).Methods(http.MethodPost)
	r.HandleFunc("/status", h.StatusHandler).Methods(http.MethodGet)

	r.HandleFunc("/video_feed", h.VideoFeedHandler).Methods(http.MethodGet)
	r.HandleFunc("/detections", h.DetectionsHandler).Methods(http.MethodGet)

	r.HandleFunc("/sessions", h.SessionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session}/detections", h.SessionDetectionsHandler).Methods(http.MethodGet)

	r.HandleFunc("/snapshots", h.SnapshotsHandler).Methods(http.MethodGet)
	r.PathPrefix(staticPrefix).Handler(
		http.StripPrefix(staticPrefix, http.FileServer(http.Dir(h.snapshots.Root()))),
	).Methods(http.MethodGet)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONWithStatus(w, map[string]string{"error": msg}, status)
}
