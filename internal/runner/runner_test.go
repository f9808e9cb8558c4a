package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/detection-stream/internal/camera"
	"github.com/Capitan-Parrot/detection-stream/internal/config"
	"github.com/Capitan-Parrot/detection-stream/internal/models"
	"github.com/Capitan-Parrot/detection-stream/internal/services/detection"
	"github.com/Capitan-Parrot/detection-stream/internal/snapshot"
)

type fakeSource struct {
	mu     sync.Mutex
	frames int
	closes int
}

func (s *fakeSource) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.frames == 0 {
		return nil, fmt.Errorf("%w: device unplugged", camera.ErrCaptureFailed)
	}
	s.frames--
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeCamera struct {
	frames  int
	err     error
	opened  []*fakeSource
	indexes []int
}

func (c *fakeCamera) open(_ context.Context, index int) (camera.Source, error) {
	if c.err != nil {
		return nil, c.err
	}
	src := &fakeSource{frames: c.frames}
	c.opened = append(c.opened, src)
	c.indexes = append(c.indexes, index)
	return src, nil
}

type fakeDetector struct {
	mu    sync.Mutex
	dets  []models.Detection
	err   error
	delay time.Duration
	calls int
}

func (d *fakeDetector) Detect(context.Context, image.Image, detection.Options) ([]models.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	time.Sleep(d.delay)
	return d.dets, d.err
}

type fakeLedger struct {
	mu       sync.Mutex
	events   []models.DetectionEvent
	created  []string
	statuses []models.SessionStatus
	beats    int
	err      error
}

func (l *fakeLedger) RecordDetections(_ context.Context, events []models.DetectionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, events...)
	return nil
}

func (l *fakeLedger) CreateSession(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, name)
	return l.err
}

func (l *fakeLedger) UpdateSessionStatus(_ context.Context, _ string, status models.SessionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
	return l.err
}

func (l *fakeLedger) UpdateSessionTimestamp(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beats++
	return l.err
}

type fakeSnapshots struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (s *fakeSnapshots) Save(_ context.Context, session, className string, _ image.Image, _ time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, session+"/"+className)
	return session + "/" + className, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (p *fakePublisher) PublishSession(ev models.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

var clock = time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

type fixture struct {
	cam       *fakeCamera
	detector  *fakeDetector
	ledger    *fakeLedger
	snapshots *fakeSnapshots
	publisher *fakePublisher
	runner    *Runner
}

func newFixture(t *testing.T, frames int, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		cam:       &fakeCamera{frames: frames},
		detector:  &fakeDetector{},
		ledger:    &fakeLedger{},
		snapshots: &fakeSnapshots{},
		publisher: &fakePublisher{},
	}
	opts := Options{
		Camera:      f.cam.open,
		CameraIndex: 2,
		Detector:    f.detector,
		Snapshots:   f.snapshots,
		Ledger:      f.ledger,
		Publisher:   f.publisher,
		Now:         func() time.Time { return clock },
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.runner = New(opts)
	return f
}

func det(class string, conf float64, x int) models.Detection {
	return models.Detection{ClassName: class, Confidence: conf, Box: models.Box{X1: x, Y1: 0, X2: x + 10, Y2: 10}}
}

func TestSanitizeSessionName(t *testing.T) {
	name, err := SanitizeSessionName("  My Session!  ", clock)
	require.NoError(t, err)
	assert.Equal(t, "My_Session", name)

	name, err = SanitizeSessionName("", clock)
	require.NoError(t, err)
	assert.Equal(t, "session_20260211_100000", name)

	long := "abcdefghijklmnopqrstuvwxyz0123456789-_abcdefghij"
	name, err = SanitizeSessionName(long, clock)
	require.NoError(t, err)
	assert.Len(t, name, 40)

	_, err = SanitizeSessionName("!!! ???", clock)
	assert.ErrorIs(t, err, ErrInvalidSessionName)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	assert.Equal(t, StateIdle, f.runner.Status().State)

	name, err := f.runner.Start(ctx, "lobby cam")
	require.NoError(t, err)
	assert.Equal(t, "lobby_cam", name)
	assert.Equal(t, StateRunning, f.runner.Status().State)
	assert.Equal(t, []int{2}, f.cam.indexes)
	assert.Equal(t, []string{"lobby_cam"}, f.ledger.created)

	require.NoError(t, f.runner.Stop(ctx))
	require.NoError(t, f.runner.Stop(ctx))
	assert.Equal(t, StateStopped, f.runner.Status().State)
	assert.Equal(t, 1, f.cam.opened[0].closes, "camera released exactly once")
	assert.Equal(t, []models.SessionStatus{models.SessionStopped}, f.ledger.statuses)

	require.Len(t, f.publisher.events, 2)
	assert.Equal(t, models.SessionRunning, f.publisher.events[0].Status)
	assert.Equal(t, models.SessionStopped, f.publisher.events[1].Status)
}

func TestStartRejectsInvalidName(t *testing.T) {
	f := newFixture(t, 1, nil)

	_, err := f.runner.Start(context.Background(), "***")
	require.ErrorIs(t, err, ErrInvalidSessionName)
	assert.Empty(t, f.cam.opened)
	assert.Equal(t, StateIdle, f.runner.Status().State)
}

func TestStartCameraUnavailable(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.cam.err = fmt.Errorf("%w: no device", camera.ErrCameraUnavailable)

	_, err := f.runner.Start(context.Background(), "s1")
	require.ErrorIs(t, err, camera.ErrCameraUnavailable)
	assert.Equal(t, StateIdle, f.runner.Status().State)
}

func TestRestartReleasesPreviousCamera(t *testing.T) {
	f := newFixture(t, 5, nil)
	ctx := context.Background()
	f.detector.dets = []models.Detection{det("person", 80, 0)}

	_, err := f.runner.Start(ctx, "first")
	require.NoError(t, err)
	_, err = f.runner.Next(ctx)
	require.NoError(t, err)

	_, err = f.runner.Start(ctx, "second")
	require.NoError(t, err)
	require.Len(t, f.cam.opened, 2)
	assert.Equal(t, 1, f.cam.opened[0].closes)
	assert.Zero(t, f.cam.opened[1].closes)
	assert.Empty(t, f.runner.Detections(), "history starts fresh")
}

func TestProcessFrameBeforeStart(t *testing.T) {
	f := newFixture(t, 1, nil)

	_, err := f.runner.ProcessFrame(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.ErrorIs(t, err, ErrSessionNotStarted)

	_, err = f.runner.Next(context.Background())
	require.ErrorIs(t, err, ErrSessionNotStarted)
}

func TestProcessFrameEveryPolicy(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	f.detector.dets = []models.Detection{det("person", 91.2, 0), det("person", 50, 100), det("dog", 40, 200)}

	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)

	res, err := f.runner.ProcessFrame(ctx, image.NewRGBA(image.Rect(0, 0, 320, 240)))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true}, res.New)
	require.Len(t, res.Summary, 2)
	assert.Equal(t, 91.2, res.Summary[0].Confidence)

	// тот же кадр ещё раз: боксы уже видены, но every пишет всё
	res, err = f.runner.ProcessFrame(ctx, image.NewRGBA(image.Rect(0, 0, 320, 240)))
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false}, res.New)

	assert.Len(t, f.ledger.events, 6)
	assert.Equal(t, models.DetectionEvent{SessionName: "s1", ClassName: "person", Confidence: 91.2, DetectedAt: "2026-02-11 10:00:00"}, f.ledger.events[0])
	assert.Equal(t, []string{"s1/person", "s1/dog", "s1/person", "s1/dog"}, f.snapshots.saved)
}

func TestProcessFrameNovelPolicy(t *testing.T) {
	f := newFixture(t, 0, func(o *Options) {
		o.LedgerPolicy = config.PolicyNovel
		o.SnapshotPolicy = config.PolicyNovel
	})
	ctx := context.Background()
	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)

	f.detector.dets = []models.Detection{det("person", 90, 0)}
	_, err = f.runner.ProcessFrame(ctx, image.NewRGBA(image.Rect(0, 0, 320, 240)))
	require.NoError(t, err)

	f.detector.dets = []models.Detection{det("person", 95, 1), det("dog", 40, 200)}
	_, err = f.runner.ProcessFrame(ctx, image.NewRGBA(image.Rect(0, 0, 320, 240)))
	require.NoError(t, err)

	require.Len(t, f.ledger.events, 2)
	assert.Equal(t, "person", f.ledger.events[0].ClassName)
	assert.Equal(t, "dog", f.ledger.events[1].ClassName)
	assert.Equal(t, []string{"s1/person", "s1/dog"}, f.snapshots.saved)

	// лучшая уверенность всё равно обновилась
	assert.Equal(t, 95.0, f.runner.Detections()[0].Confidence)
	assert.Equal(t, map[string]int{"person": 1, "dog": 1}, f.runner.Instances())
}

func TestSinkFailuresDoNotAbortFrame(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	f.detector.dets = []models.Detection{det("person", 80, 0)}
	f.snapshots.err = fmt.Errorf("%w: disk full", snapshot.ErrSnapshotWriteFailed)

	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)
	f.ledger.err = errors.New("db down")

	res, err := f.runner.ProcessFrame(ctx, image.NewRGBA(image.Rect(0, 0, 64, 64)))
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Len(t, f.runner.Detections(), 1, "history update stands")
	assert.Equal(t, StateRunning, f.runner.Status().State)
	assert.Equal(t, uint64(1), f.runner.metrics.SnapshotErrors.Load())
	assert.Equal(t, uint64(1), f.runner.metrics.LedgerErrors.Load())
}

func TestDetectorFailureStreamsRawFrame(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	f.detector.err = errors.New("model offline")

	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)

	res, err := f.runner.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
	assert.NotEmpty(t, res.JPEG)
	assert.Empty(t, f.ledger.events)
}

func TestCaptureFailureStopsSession(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)

	_, err = f.runner.Next(ctx)
	require.NoError(t, err)

	_, err = f.runner.Next(ctx)
	require.ErrorIs(t, err, camera.ErrCaptureFailed)
	assert.Equal(t, StateStopped, f.runner.Status().State)
	assert.Equal(t, 1, f.cam.opened[0].closes)

	require.NoError(t, f.runner.Stop(ctx))
	assert.Equal(t, 1, f.cam.opened[0].closes)
}

func TestHeartbeat(t *testing.T) {
	now := clock
	f := newFixture(t, 3, func(o *Options) {
		o.HeartbeatInterval = 5 * time.Second
		o.Now = func() time.Time { return now }
	})
	ctx := context.Background()

	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)

	_, err = f.runner.Next(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.ledger.beats)

	now = now.Add(6 * time.Second)
	_, err = f.runner.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ledger.beats)
	assert.InDelta(t, 1.0/6.0, f.runner.Status().FPS, 1e-9)
}

func TestExitStopsThenCallsHook(t *testing.T) {
	exited := false
	var f *fixture
	f = newFixture(t, 1, func(o *Options) {
		o.OnExit = func() {
			exited = true
			assert.Equal(t, StateStopped, f.runner.Status().State)
		}
	})

	_, err := f.runner.Start(context.Background(), "s1")
	require.NoError(t, err)
	require.NoError(t, f.runner.Exit(context.Background()))
	assert.True(t, exited)
	assert.Equal(t, 1, f.cam.opened[0].closes)
}

func TestStreamStopsWhenConsumerLeaves(t *testing.T) {
	f := newFixture(t, 100, nil)
	ctx := context.Background()
	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)

	sent := 0
	errGone := errors.New("client disconnected")
	err = f.runner.Stream(ctx, 0, func(res *Result) error {
		sent++
		if sent == 3 {
			return errGone
		}
		return nil
	})
	require.ErrorIs(t, err, errGone)
	assert.Equal(t, 3, sent)
	assert.Equal(t, StateStopped, f.runner.Status().State)
	assert.Equal(t, 1, f.cam.opened[0].closes)
}

func TestStreamEndsOnCaptureFailure(t *testing.T) {
	f := newFixture(t, 2, nil)
	_, err := f.runner.Start(context.Background(), "s1")
	require.NoError(t, err)

	sent := 0
	err = f.runner.Stream(context.Background(), time.Millisecond, func(*Result) error {
		sent++
		return nil
	})
	require.ErrorIs(t, err, camera.ErrCaptureFailed)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, f.cam.opened[0].closes)
}

func TestStreamCancelReleasesCamera(t *testing.T) {
	f := newFixture(t, 1000, nil)
	_, err := f.runner.Start(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = f.runner.Stream(ctx, time.Hour, func(*Result) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, f.runner.Status().State)
	assert.Equal(t, 1, f.cam.opened[0].closes)
}

func TestStreamSingleConsumer(t *testing.T) {
	f := newFixture(t, 1000, nil)
	_, err := f.runner.Start(context.Background(), "s1")
	require.NoError(t, err)

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		first := true
		done <- f.runner.Stream(context.Background(), 0, func(*Result) error {
			if first {
				first = false
				close(inside)
				<-release
			}
			return errors.New("done")
		})
	}()

	<-inside
	err = f.runner.Stream(context.Background(), 0, func(*Result) error { return nil })
	assert.ErrorIs(t, err, ErrStreamBusy)
	close(release)
	require.Error(t, <-done)
}

func TestStreamPacing(t *testing.T) {
	tests := []struct {
		name   string
		frames int
		period time.Duration
		work   time.Duration
		min    time.Duration
		max    time.Duration
	}{
		{
			// каждый кадр дожидается конца своего бюджета
			name:   "fast frames sleep out the period",
			frames: 4,
			period: 50 * time.Millisecond,
			min:    4 * 50 * time.Millisecond,
			max:    4*50*time.Millisecond + 150*time.Millisecond,
		},
		{
			// 60ms работы из 100ms: спим только остаток
			name:   "sleep covers only the remainder",
			frames: 3,
			period: 100 * time.Millisecond,
			work:   60 * time.Millisecond,
			min:    3 * 100 * time.Millisecond,
			max:    3*100*time.Millisecond + 100*time.Millisecond,
		},
		{
			name:   "slow frames are not delayed further",
			frames: 3,
			period: 20 * time.Millisecond,
			work:   80 * time.Millisecond,
			min:    3 * 80 * time.Millisecond,
			max:    3*80*time.Millisecond + 50*time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.frames, nil)
			f.detector.delay = tt.work
			_, err := f.runner.Start(context.Background(), "s1")
			require.NoError(t, err)

			sent := 0
			started := time.Now()
			err = f.runner.Stream(context.Background(), tt.period, func(*Result) error {
				sent++
				return nil
			})
			elapsed := time.Since(started)

			require.ErrorIs(t, err, camera.ErrCaptureFailed)
			assert.Equal(t, tt.frames, sent)
			assert.GreaterOrEqual(t, elapsed, tt.min)
			assert.Less(t, elapsed, tt.max)
		})
	}
}

func TestLabelScaleKeepsRawConfidence(t *testing.T) {
	f := newFixture(t, 0, func(o *Options) { o.LabelScale = 100 })
	f.detector.dets = []models.Detection{det("person", 0.91, 0)}
	ctx := context.Background()

	_, err := f.runner.Start(ctx, "s1")
	require.NoError(t, err)
	res, err := f.runner.ProcessFrame(ctx, image.NewRGBA(image.Rect(0, 0, 64, 48)))
	require.NoError(t, err)

	assert.Equal(t, 0.91, res.Detections[0].Confidence)
	assert.Equal(t, 0.91, res.Summary[0].Confidence)
	require.Len(t, f.ledger.events, 1)
	assert.Equal(t, 0.91, f.ledger.events[0].Confidence)
}
