package runner

import (
	"context"
	"image"
	"time"

	"github.com/samber/lo"

	"github.com/Capitan-Parrot/detection-stream/internal/config"
	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

// Batch is what one frame produced. Stages read it and never modify it.
type Batch struct {
	Session    string
	Frame      image.Image // annotated
	Detections []models.Detection
	New        []bool
	At         time.Time
}

// NewClasses returns the classes with at least one new instance, in
// detection order.
func (b Batch) NewClasses() []string {
	novel := lo.Filter(b.Detections, func(_ models.Detection, i int) bool { return b.New[i] })
	return lo.Uniq(lo.Map(novel, func(d models.Detection, _ int) string { return d.ClassName }))
}

// Classes returns every detected class once, in detection order.
func (b Batch) Classes() []string {
	return lo.Uniq(lo.Map(b.Detections, func(d models.Detection, _ int) string { return d.ClassName }))
}

// Events turns the batch into ledger rows under the given policy.
func (b Batch) Events(policy string) []models.DetectionEvent {
	detectedAt := b.At.Format(models.TimestampLayout)
	events := make([]models.DetectionEvent, 0, len(b.Detections))
	for i, d := range b.Detections {
		if policy == config.PolicyNovel && !b.New[i] {
			continue
		}
		events = append(events, models.DetectionEvent{
			SessionName: b.Session,
			ClassName:   d.ClassName,
			Confidence:  d.Confidence,
			DetectedAt:  detectedAt,
		})
	}
	return events
}

// sink is a best-effort stage; its error is reported and never stops the frame.
type sink struct {
	name string
	run  func(ctx context.Context, b Batch) error
}

func (r *Runner) sinks() []sink {
	var out []sink
	if r.opts.Snapshots != nil {
		out = append(out, sink{name: "snapshot", run: r.saveSnapshots})
	}
	if r.opts.Ledger != nil {
		out = append(out, sink{name: "ledger", run: r.recordLedger})
	}
	return out
}

func (r *Runner) runSinks(ctx context.Context, b Batch) {
	for _, s := range r.sinks() {
		if err := s.run(ctx, b); err != nil {
			r.logger.Warnf("Runner %s: %s stage failed: %v", b.Session, s.name, err)
		}
	}
}

// saveSnapshots пишет по одному снимку на класс
func (r *Runner) saveSnapshots(ctx context.Context, b Batch) error {
	classes := b.Classes()
	if r.opts.SnapshotPolicy == config.PolicyNovel {
		classes = b.NewClasses()
	}

	var firstErr error
	for _, className := range classes {
		if _, err := r.opts.Snapshots.Save(ctx, b.Session, className, b.Frame, b.At); err != nil {
			r.metrics.SnapshotErrors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.metrics.SnapshotsSaved.Add(1)
	}
	return firstErr
}

func (r *Runner) recordLedger(ctx context.Context, b Batch) error {
	events := b.Events(r.opts.LedgerPolicy)
	if len(events) == 0 {
		return nil
	}
	if err := r.opts.Ledger.RecordDetections(ctx, events); err != nil {
		r.metrics.LedgerErrors.Add(1)
		return err
	}
	r.metrics.LedgerRows.Add(uint64(len(events)))
	return nil
}
