package camera

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"sync"

	"github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/prop"
)

var initOnce sync.Once

// WebcamOptions are the preferred capture dimensions. Zero means any.
type WebcamOptions struct {
	Width  int
	Height int
}

// frameReader is the subset of video.Reader the webcam needs.
type frameReader interface {
	Read() (image.Image, func(), error)
}

// webcam wraps a mediadevices video driver.
type webcam struct {
	mu     sync.Mutex
	reader frameReader
	closer io.Closer
	closed bool
}

// OpenWebcam opens the index-th video recorder known to mediadevices.
func OpenWebcam(ctx context.Context, index int, opts WebcamOptions) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	initOnce.Do(mediadevicescamera.Initialize)

	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	if index < 0 || index >= len(drivers) {
		return nil, fmt.Errorf("%w: no video device at index %d (found %d)", ErrCameraUnavailable, index, len(drivers))
	}
	d := drivers[index]

	if err := d.Open(); err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCameraUnavailable, d.Info().Label, err)
	}

	recorder, ok := d.(driver.VideoRecorder)
	if !ok {
		_ = d.Close()
		return nil, fmt.Errorf("%w: %s is not a video recorder", ErrCameraUnavailable, d.Info().Label)
	}

	props := d.Properties()
	if len(props) == 0 {
		_ = d.Close()
		return nil, fmt.Errorf("%w: %s reports no video properties", ErrCameraUnavailable, d.Info().Label)
	}

	reader, err := recorder.VideoRecord(pickMedia(props, opts))
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("%w: record %s: %v", ErrCameraUnavailable, d.Info().Label, err)
	}

	return newWebcam(reader, d), nil
}

func newWebcam(reader frameReader, closer io.Closer) *webcam {
	return &webcam{reader: reader, closer: closer}
}

// pickMedia prefers the exact requested size, then the first property.
func pickMedia(props []prop.Media, opts WebcamOptions) prop.Media {
	for _, p := range props {
		if (opts.Width == 0 || p.Width == opts.Width) && (opts.Height == 0 || p.Height == opts.Height) {
			return p
		}
	}
	return props[0]
}

func (w *webcam) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	img, release, err := w.reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: empty frame", ErrCaptureFailed)
	}

	// буфер драйвера переиспользуется после release
	return cloneRGBA(img), nil
}

func (w *webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.closer.Close()
}

func cloneRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
