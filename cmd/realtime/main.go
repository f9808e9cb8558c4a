package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Capitan-Parrot/detection-stream/internal/camera"
	"github.com/Capitan-Parrot/detection-stream/internal/config"
	"github.com/Capitan-Parrot/detection-stream/internal/database"
	"github.com/Capitan-Parrot/detection-stream/internal/logger"
	"github.com/Capitan-Parrot/detection-stream/internal/metrics"
	"github.com/Capitan-Parrot/detection-stream/internal/models"
	"github.com/Capitan-Parrot/detection-stream/internal/runner"
	"github.com/Capitan-Parrot/detection-stream/internal/services/detection"
	"github.com/Capitan-Parrot/detection-stream/internal/snapshot"
	"github.com/Capitan-Parrot/detection-stream/internal/tracker"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "internal/config/realtime.yaml"), "path to the YAML config")
	sessionName := flag.String("session", "", "session name; generated from the clock when empty")
	withLedger := flag.Bool("ledger", false, "record detections in Postgres")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, *sessionName, *withLedger, lg); err != nil {
		lg.Fatalf("Realtime: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cfg *config.Config, sessionName string, withLedger bool, lg *zap.SugaredLogger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ledger runner.Ledger
	if withLedger {
		var db *database.Database
		if db, err = database.New(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, db.Close()) }()
		if err = db.Init(ctx); err != nil {
			return err
		}
		ledger = db
	}

	r := runner.New(runner.Options{
		Camera: camera.NewOpener("", nil, camera.WebcamOptions{
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
		}),
		CameraIndex: cfg.Camera.Index,
		Detector: detection.NewClient(detection.Config{
			URL:             cfg.Detection.Endpoint,
			Model:           cfg.Detection.Model,
			ImageSize:       cfg.Detection.ImageSize,
			ScaleConfidence: cfg.Detection.ScaleConfidence,
			Timeout:         cfg.Detection.Timeout,
			Retries:         cfg.Detection.Retries,
		}),
		Detect: detection.Options{
			Confidence: cfg.Detection.Confidence,
			IoU:        cfg.Detection.IoU,
		},
		History:           tracker.NewHistory(cfg.Stream.NoveltyIoU),
		Snapshots:         snapshot.New(cfg.Storage.OutputDir, nil, lg.Named("snapshot")),
		Ledger:            ledger,
		Metrics:           metrics.New(),
		LedgerPolicy:      cfg.Stream.LedgerPolicy,
		SnapshotPolicy:    cfg.Stream.SnapshotPolicy,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ShowFPS:           cfg.Stream.ShowFPS,
		LabelScale:        cfg.LabelScale(),
		Logger:            lg.Named("runner"),
	})

	session, err := r.Start(ctx, sessionName)
	if err != nil {
		return err
	}
	lg.Infof("Realtime: session %s started, press Ctrl+C to stop", session)

	totals := map[string]int{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return finishStream(r.Stream(gctx, cfg.FramePeriod(), func(res *runner.Result) error {
			if len(res.Detections) == 0 {
				return nil
			}
			counts := countClasses(res.Detections)
			for class, n := range counts {
				totals[class] += n
			}
			lg.Infof("Frame %d: %s", res.Index, formatCounts(counts))
			return nil
		}), lg)
	})
	err = g.Wait()

	lg.Infof("Session %s summary:", session)
	for _, line := range summaryLines(totals, r.Instances()) {
		lg.Info(line)
	}
	return err
}

// finishStream: Ctrl+C и потеря камеры это штатное завершение, не падение
func finishStream(err error, lg *zap.SugaredLogger) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, camera.ErrCaptureFailed):
		lg.Warnf("Realtime: frame grab failed, exiting: %v", err)
		return nil
	}
	return err
}

func countClasses(dets []models.Detection) map[string]int {
	return lo.CountValues(lo.Map(dets, func(d models.Detection, _ int) string {
		return d.ClassName
	}))
}

// formatCounts печатает "dog:1 person:2" в стабильном порядке
func formatCounts(counts map[string]int) string {
	classes := lo.Keys(counts)
	sort.Strings(classes)
	return strings.Join(lo.Map(classes, func(c string, _ int) string {
		return fmt.Sprintf("%s:%d", c, counts[c])
	}), " ")
}

// summaryLines prints per-class detection totals over all frames next to
// the number of distinct instances.
func summaryLines(totals, instances map[string]int) []string {
	classes := lo.Keys(lo.Assign(instances, totals))
	if len(classes) == 0 {
		return []string{"  nothing detected"}
	}
	sort.Strings(classes)
	return lo.Map(classes, func(c string, _ int) string {
		return fmt.Sprintf("  %s: %d detections, %d instances", c, totals[c], instances[c])
	})
}
