package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Capitan-Parrot/detection-stream/internal/api"
	"github.com/Capitan-Parrot/detection-stream/internal/camera"
	"github.com/Capitan-Parrot/detection-stream/internal/config"
	"github.com/Capitan-Parrot/detection-stream/internal/database"
	"github.com/Capitan-Parrot/detection-stream/internal/kafka"
	"github.com/Capitan-Parrot/detection-stream/internal/logger"
	"github.com/Capitan-Parrot/detection-stream/internal/metrics"
	"github.com/Capitan-Parrot/detection-stream/internal/outbox"
	"github.com/Capitan-Parrot/detection-stream/internal/runner"
	"github.com/Capitan-Parrot/detection-stream/internal/s3"
	"github.com/Capitan-Parrot/detection-stream/internal/services/detection"
	"github.com/Capitan-Parrot/detection-stream/internal/snapshot"
	"github.com/Capitan-Parrot/detection-stream/internal/tracker"
	"github.com/Capitan-Parrot/detection-stream/internal/watchdog"
)

const (
	outboxInterval  = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config")
	flag.Parse()

	// Чтение конфига
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatalf("Main: %v", err)
	}
	lg.Info("Main: shutdown complete")
}

func run(cfg *config.Config, lg *zap.SugaredLogger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// /exit отменяет этот контекст
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	// Инициализация базы данных
	db, err := database.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	closers = append(closers, db.Close)
	if err := db.Init(ctx); err != nil {
		return err
	}

	// Инициализация s3
	var (
		mirror snapshot.Uploader
		frames camera.FrameStore
	)
	if cfg.Minio.Endpoint != "" {
		minioClient, err := s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.Secure)
		if err != nil {
			return err
		}
		if err := minioClient.EnsureBucket(ctx); err != nil {
			return err
		}
		mirror, frames = minioClient, minioClient
	}

	var (
		producer  *kafka.Producer
		publisher runner.Publisher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic)
		if err != nil {
			return err
		}
		closers = append(closers, producer.Close)
		publisher = producer
		db.EnableOutbox()
	}

	replayURL := ""
	if cfg.Camera.Source == config.SourceReplay {
		replayURL = cfg.Camera.ReplayURL
	}

	m := metrics.New()
	snapshots := snapshot.New(cfg.Storage.OutputDir, mirror, lg.Named("snapshot"))

	r := runner.New(runner.Options{
		Camera: camera.NewOpener(replayURL, frames, camera.WebcamOptions{
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
		Snapshots:         snapshots,
		Ledger:            db,
		Publisher:         publisher,
		Metrics:           m,
		LedgerPolicy:      cfg.Stream.LedgerPolicy,
		SnapshotPolicy:    cfg.Stream.SnapshotPolicy,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ShowFPS:           cfg.Stream.ShowFPS,
		LabelScale:        cfg.LabelScale(),
		OnExit:            cancel,
		Logger:            lg.Named("runner"),
	})

	handlers := api.NewHandlers(r, db, snapshots, m, cfg.FramePeriod(), lg.Named("api"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Запуск сервера
	g.Go(func() error {
		lg.Infof("Starting detection stream API server on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Main: shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// освобождаем камеру до остановки сервера
		return multierr.Append(r.Stop(shutdownCtx), srv.Shutdown(shutdownCtx))
	})

	// Горутина для закрытия упавших сессий
	g.Go(func() error {
		watchdog.New(db, cfg.Watchdog.Interval, func() string {
			if st := r.Status(); st.State == runner.StateRunning {
				return st.SessionName
			}
			return ""
		}, lg.Named("watchdog")).Start(gctx)
		return nil
	})

	if producer != nil {
		// Горутина для обработки аутбокса
		g.Go(func() error {
			outbox.NewDispatcher(db, producer, outboxInterval, lg.Named("outbox")).Run(gctx)
			return nil
		})

		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CommandTopic, lg.Named("kafka"))
		if err != nil {
			lg.Warnf("Main: remote control disabled: %v", err)
		} else {
			closers = append(closers, consumer.Close)
			consumer.StartListening(gctx)
			g.Go(func() error {
				kafka.ListenCommands(gctx, consumer.Messages(), r, lg.Named("commands"))
				return nil
			})
		}
	}

	return g.Wait()
}
