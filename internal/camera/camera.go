package camera

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrCameraUnavailable is returned when the device cannot be opened.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrCaptureFailed is returned when a frame cannot be read from an open source.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("camera closed")
)

// Source yields frames on demand. Close releases the device and is safe to
// call more than once.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener opens a source for a device index.
type Opener func(ctx context.Context, index int) (Source, error)

// NewOpener returns an Opener for the configured source: replay from object
// storage when replayURL is set, the local webcam otherwise.
func NewOpener(replayURL string, store FrameStore, opts WebcamOptions) Opener {
	if replayURL != "" && store != nil {
		return func(ctx context.Context, _ int) (Source, error) {
			return OpenReplay(ctx, store, replayURL)
		}
	}
	return func(ctx context.Context, index int) (Source, error) {
		return OpenWebcam(ctx, index, opts)
	}
}
