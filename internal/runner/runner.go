package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Capitan-Parrot/detection-stream/internal/annotate"
	"github.com/Capitan-Parrot/detection-stream/internal/camera"
	"github.com/Capitan-Parrot/detection-stream/internal/config"
	"github.com/Capitan-Parrot/detection-stream/internal/metrics"
	"github.com/Capitan-Parrot/detection-stream/internal/models"
	"github.com/Capitan-Parrot/detection-stream/internal/services/detection"
	"github.com/Capitan-Parrot/detection-stream/internal/tracker"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

var (
	ErrSessionNotStarted  = errors.New("session not started")
	ErrInvalidSessionName = errors.New("invalid session name")
	ErrStreamBusy         = errors.New("video feed already has a consumer")
)

// fpsSmoothing is the weight of the previous estimate in the FPS average.
const fpsSmoothing = 0.9

type Detector interface {
	Detect(ctx context.Context, img image.Image, opts detection.Options) ([]models.Detection, error)
}

type SnapshotSaver interface {
	Save(ctx context.Context, session, className string, img image.Image, ts time.Time) (string, error)
}

type Ledger interface {
	RecordDetections(ctx context.Context, events []models.DetectionEvent) error
	CreateSession(ctx context.Context, name string) error
	UpdateSessionStatus(ctx context.Context, name string, status models.SessionStatus) error
	UpdateSessionTimestamp(ctx context.Context, name string) error
}

type Publisher interface {
	PublishSession(ev models.SessionEvent) error
}

// Options wires the runner. Snapshots, Ledger, Publisher, Metrics, OnExit
// and Logger are optional.
type Options struct {
	Camera      camera.Opener
	CameraIndex int
	Detector    Detector
	Detect      detection.Options
	History     *tracker.History

	Snapshots SnapshotSaver
	Ledger    Ledger
	Publisher Publisher
	Metrics   *metrics.Metrics

	LedgerPolicy      string
	SnapshotPolicy    string
	HeartbeatInterval time.Duration
	ShowFPS           bool
	// LabelScale turns confidence into the percentage shown on the frame.
	// Zero means 1 (the detector already reports 0-100).
	LabelScale float64

	OnExit func()
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Status is a point-in-time view of the runner.
type Status struct {
	State       State     `json:"state"`
	SessionName string    `json:"session_name"`
	Frames      int64     `json:"frames"`
	FPS         float64   `json:"fps"`
	StartedAt   time.Time `json:"started_at"`
}

// Result is one processed frame.
type Result struct {
	Index      int64
	Frame      image.Image
	JPEG       []byte
	Detections []models.Detection
	New        []bool
	Summary    []tracker.Summary
}

// Runner owns the single camera, the active session and its history.
// mu serializes Start, Stop, Exit and frame iterations, so a control call
// waits for the in-flight frame.
type Runner struct {
	opts    Options
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         State
	session       string
	source        camera.Source
	frames        int64
	startedAt     time.Time
	lastFrameAt   time.Time
	lastHeartbeat time.Time
	fps           float64

	status    atomic.Pointer[Status]
	streaming atomic.Bool
}

func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.History == nil {
		opts.History = tracker.NewHistory(tracker.DefaultNoveltyIoU)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LabelScale <= 0 {
		opts.LabelScale = 1
	}
	if opts.LedgerPolicy == "" {
		opts.LedgerPolicy = config.PolicyEvery
	}
	if opts.SnapshotPolicy == "" {
		opts.SnapshotPolicy = config.PolicyEvery
	}

	r := &Runner{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		state:   StateIdle,
	}
	r.publishStatus()
	return r
}

// Start opens the camera and begins a fresh session. A running session is
// stopped first. It returns the normalized session name.
func (r *Runner) Start(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := SanitizeSessionName(name, r.opts.Now())
	if err != nil {
		return "", err
	}

	if r.state == StateRunning {
		r.logger.Infof("Runner %s: restarting as %s", r.session, session)
		r.stopLocked(ctx)
	}

	source, err := r.opts.Camera(ctx, r.opts.CameraIndex)
	if err != nil {
		r.logger.Errorf("Runner %s: camera %d: %v", session, r.opts.CameraIndex, err)
		return "", err
	}

	if r.session != "" && r.session != session {
		r.opts.History.Forget(r.session)
	}
	r.opts.History.Reset(session)

	now := r.opts.Now()
	r.source = source
	r.session = session
	r.state = StateRunning
	r.frames = 0
	r.fps = 0
	r.startedAt = now
	r.lastFrameAt = time.Time{}
	r.lastHeartbeat = now
	r.metrics.SetActive(true)
	r.publishStatus()

	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.CreateSession(ctx, session); err != nil {
			r.metrics.LedgerErrors.Add(1)
			r.logger.Warnf("Runner %s: create session: %v", session, err)
		}
	}
	r.announce(models.SessionRunning)

	r.logger.Infof("Runner %s: started on camera %d", session, r.opts.CameraIndex)
	return session, nil
}

// Stop ends the running session and releases the camera. Calling it when
// nothing runs is a no-op.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

// Exit stops the session and then calls OnExit.
func (r *Runner) Exit(ctx context.Context) error {
	err := r.Stop(ctx)
	if r.opts.OnExit != nil {
		r.opts.OnExit()
	}
	return err
}

func (r *Runner) stopLocked(ctx context.Context) error {
	if r.state != StateRunning {
		return nil
	}

	var closeErr error
	if r.source != nil {
		closeErr = r.source.Close()
		r.source = nil
	}
	r.state = StateStopped
	r.metrics.SetActive(false)
	r.publishStatus()

	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.UpdateSessionStatus(ctx, r.session, models.SessionStopped); err != nil {
			r.metrics.LedgerErrors.Add(1)
			r.logger.Warnf("Runner %s: mark stopped: %v", r.session, err)
		}
	}
	r.announce(models.SessionStopped)

	if closeErr != nil {
		r.logger.Warnf("Runner %s: release camera: %v", r.session, closeErr)
		return fmt.Errorf("release camera: %w", closeErr)
	}
	r.logger.Infof("Runner %s: stopped after %d frames", r.session, r.frames)
	return nil
}

// ProcessFrame runs one externally supplied frame through the pipeline.
func (r *Runner) ProcessFrame(ctx context.Context, img image.Image) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return nil, ErrSessionNotStarted
	}
	return r.processLocked(ctx, img)
}

// Next reads one frame from the camera and processes it. A read failure
// stops the session and is returned.
func (r *Runner) Next(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return nil, ErrSessionNotStarted
	}

	img, err := r.source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.metrics.CaptureErrors.Add(1)
		r.logger.Warnf("Runner %s: frame read failed, stopping: %v", r.session, err)
		r.stopLocked(context.WithoutCancel(ctx))
		return nil, err
	}
	r.metrics.FramesRead.Add(1)
	r.tickFPS()

	res, err := r.processLocked(ctx, img)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, res.Frame, nil); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	res.JPEG = buf.Bytes()

	r.heartbeat(ctx)
	return res, nil
}

func (r *Runner) processLocked(ctx context.Context, img image.Image) (*Result, error) {
	started := time.Now()
	at := r.opts.Now()

	dets, err := r.opts.Detector.Detect(ctx, img, r.opts.Detect)
	if err != nil {
		// кадр всё равно уходит в поток, только без детекций
		r.metrics.DetectErrors.Add(1)
		r.logger.Warnf("Runner %s: detection error: %v", r.session, err)
		dets = nil
	}

	novel := make([]bool, len(dets))
	for i, d := range dets {
		r.opts.History.Record(r.session, d.ClassName, d.Confidence, at)
		novel[i] = r.opts.History.IsNewInstance(r.session, d.ClassName, d.Box)
		if novel[i] {
			r.metrics.NewInstances.Add(1)
		}
	}
	r.metrics.Detections.Add(uint64(len(dets)))

	frame := annotate.Draw(img, dets, r.opts.LabelScale)
	if r.opts.ShowFPS {
		frame = annotate.DrawFPS(frame, r.fps)
	}

	r.frames++
	batch := Batch{Session: r.session, Frame: frame, Detections: dets, New: novel, At: at}
	r.runSinks(ctx, batch)

	r.metrics.FramesProcessed.Add(1)
	r.metrics.ObserveProcess(time.Since(started))
	r.publishStatus()

	return &Result{
		Index:      r.frames,
		Frame:      frame,
		Detections: dets,
		New:        novel,
		Summary:    r.opts.History.Snapshot(r.session),
	}, nil
}

func (r *Runner) tickFPS() {
	now := r.opts.Now()
	if !r.lastFrameAt.IsZero() {
		if dt := now.Sub(r.lastFrameAt).Seconds(); dt > 0 {
			instant := 1 / dt
			if r.fps == 0 {
				r.fps = instant
			} else {
				r.fps = fpsSmoothing*r.fps + (1-fpsSmoothing)*instant
			}
		}
	}
	r.lastFrameAt = now
}

func (r *Runner) heartbeat(ctx context.Context) {
	if r.opts.HeartbeatInterval <= 0 {
		return
	}
	now := r.opts.Now()
	if now.Sub(r.lastHeartbeat) < r.opts.HeartbeatInterval {
		return
	}
	r.lastHeartbeat = now

	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.UpdateSessionTimestamp(ctx, r.session); err != nil {
			r.metrics.LedgerErrors.Add(1)
			r.logger.Warnf("Runner %s: error updating session timestamp: %v", r.session, err)
		}
	}
	r.announce(models.SessionRunning)
}

func (r *Runner) announce(status models.SessionStatus) {
	if r.opts.Publisher == nil {
		return
	}
	err := r.opts.Publisher.PublishSession(models.SessionEvent{
		SessionName: r.session,
		Status:      status,
		Frame:       r.frames,
		TimeStamp:   r.opts.Now().UTC(),
	})
	if err != nil {
		r.metrics.PublishErrors.Add(1)
		r.logger.Warnf("Runner %s: error sending session event: %v", r.session, err)
	}
}

func (r *Runner) publishStatus() {
	r.status.Store(&Status{
		State:       r.state,
		SessionName: r.session,
		Frames:      r.frames,
		FPS:         r.fps,
		StartedAt:   r.startedAt,
	})
}

// Status never waits for an in-flight frame.
func (r *Runner) Status() Status {
	return *r.status.Load()
}

// Detections is the live best-per-class list of the current session.
func (r *Runner) Detections() []tracker.Summary {
	st := r.Status()
	if st.SessionName == "" {
		return []tracker.Summary{}
	}
	return r.opts.History.Snapshot(st.SessionName)
}

// Instances counts the distinct instances per class of the current session.
func (r *Runner) Instances() map[string]int {
	return r.opts.History.Instances(r.Status().SessionName)
}
