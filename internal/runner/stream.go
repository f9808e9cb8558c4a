package runner

import (
	"context"
	"time"
)

// Stream drives the running session for a single consumer. Each frame is
// handed to yield before the next one is read; with period > 0 the loop
// sleeps out the rest of the frame budget. When yield fails or ctx ends
// (the consumer went away) the session is stopped so the camera is released.
func (r *Runner) Stream(ctx context.Context, period time.Duration, yield func(*Result) error) error {
	if !r.streaming.CompareAndSwap(false, true) {
		return ErrStreamBusy
	}
	defer r.streaming.Store(false)

	r.metrics.StreamClients.Add(1)
	defer r.metrics.StreamClients.Add(-1)

	stop := func() {
		if err := r.Stop(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warnf("Runner: stop after stream end: %v", err)
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		started := time.Now()

		res, err := r.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stop()
				return ctx.Err()
			}
			return err
		}

		if err := yield(res); err != nil {
			r.logger.Infof("Runner %s: consumer gone: %v", r.Status().SessionName, err)
			stop()
			return err
		}

		if period <= 0 {
			if ctx.Err() != nil {
				stop()
				return ctx.Err()
			}
			continue
		}

		wait := max(0, period-time.Since(started))
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
