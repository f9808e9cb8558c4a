package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sort"
	"sync"
)

// FrameStore lists and fetches recorded JPEG frames from object storage.
type FrameStore interface {
	ListFrames(ctx context.Context, fileURL string) ([]string, error)
	ReadFrame(ctx context.Context, fileURL, key string) ([]byte, error)
}

// replay plays back recorded frames in key order. It reports
// ErrCaptureFailed once the frames run out, like an unplugged camera.
type replay struct {
	store   FrameStore
	fileURL string

	mu     sync.Mutex
	keys   []string
	pos    int
	closed bool
}

// OpenReplay lists the frames under fileURL ("http://host/bucket/prefix").
func OpenReplay(ctx context.Context, store FrameStore, fileURL string) (Source, error) {
	keys, err := store.ListFrames(ctx, fileURL)
	if err != nil {
		return nil, fmt.Errorf("%w: list frames %s: %v", ErrCameraUnavailable, fileURL, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no frames under %s", ErrCameraUnavailable, fileURL)
	}
	sort.Strings(keys)

	return &replay{store: store, fileURL: fileURL, keys: keys}, nil
}

func (r *replay) Read(ctx context.Context) (image.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.pos >= len(r.keys) {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, io.EOF)
	}

	key := r.keys[r.pos]
	r.pos++

	data, err := r.store.ReadFrame(ctx, r.fileURL, key)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCaptureFailed, key, err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCaptureFailed, key, err)
	}
	return img, nil
}

func (r *replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
