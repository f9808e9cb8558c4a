package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

// Store is the session side of the ledger.
type Store interface {
	FindStaleSessions(ctx context.Context, interval time.Duration) ([]models.Session, error)
	UpdateSessionStatus(ctx context.Context, name string, status models.SessionStatus) error
}

// Watchdog marks sessions left "running" by a crashed process as stopped.
type Watchdog struct {
	store    Store
	interval time.Duration
	active   func() string
	logger   *zap.SugaredLogger
}

// New creates a watchdog. active returns the session this process is
// running right now, which is never touched.
func New(store Store, interval time.Duration, active func() string, logger *zap.SugaredLogger) *Watchdog {
	return &Watchdog{
		store:    store,
		interval: interval,
		active:   active,
		logger:   logger,
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopped")
			return
		case <-ticker.C:
			w.CheckSessions(ctx)
		}
	}
}

// CheckSessions returns how many stale sessions were closed.
func (w *Watchdog) CheckSessions(ctx context.Context) int {
	sessions, err := w.store.FindStaleSessions(ctx, w.interval)
	if err != nil {
		w.logger.Warnf("Failed to find stale sessions: %v", err)
		return 0
	}

	current := ""
	if w.active != nil {
		current = w.active()
	}

	closed := 0
	for _, s := range sessions {
		if s.Name == current {
			continue
		}
		w.logger.Infof("Found stale session %s (last heartbeat %s), marking stopped", s.Name, s.UpdatedAt.Format(time.RFC3339))

		if err := w.store.UpdateSessionStatus(ctx, s.Name, models.SessionStopped); err != nil {
			w.logger.Warnf("Failed to update session status: %v", err)
			continue
		}
		closed++
	}
	return closed
}
