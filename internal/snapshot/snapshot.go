package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FileLayout is the timestamp layout used for snapshot names, before
// sanitizing.
const FileLayout = "2006-01-02 15:04:05.000000"

const maxSuffix = 1000

var (
	// ErrSnapshotWriteFailed wraps directory, encode and write failures.
	ErrSnapshotWriteFailed = errors.New("snapshot write failed")
	// ErrSessionNotFound is returned by List for a session without snapshots.
	ErrSessionNotFound = errors.New("session not found")
)

// Uploader mirrors a saved snapshot to object storage.
type Uploader interface {
	UploadSnapshot(ctx context.Context, key string, data []byte) error
}

// Store writes annotated frames under {root}/{session}/{class}/.
type Store struct {
	root   string
	mirror Uploader
	logger *zap.SugaredLogger
}

// New creates a store rooted at root. mirror may be nil.
func New(root string, mirror Uploader, logger *zap.SugaredLogger) *Store {
	return &Store{root: root, mirror: mirror, logger: logger}
}

func (s *Store) Root() string {
	return s.root
}

// FileName turns a timestamp into a file name safe on every platform.
func FileName(ts time.Time) string {
	name := ts.Format(FileLayout)
	name = strings.ReplaceAll(name, ":", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name + ".jpg"
}

// segment убирает из имени всё, что может выйти за пределы каталога
func segment(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// Save encodes img as JPEG and writes it to a new file. An existing file is
// never overwritten; a numeric suffix is added instead. It returns the path
// of the written file.
func (s *Store) Save(ctx context.Context, session, className string, img image.Image, ts time.Time) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrSnapshotWriteFailed, err)
	}

	dir := filepath.Join(s.root, segment(session), segment(className))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", ErrSnapshotWriteFailed, dir, err)
	}

	path, err := writeExclusive(dir, FileName(ts), buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSnapshotWriteFailed, err)
	}

	if s.mirror != nil {
		key, _ := filepath.Rel(s.root, path)
		if err := s.mirror.UploadSnapshot(ctx, filepath.ToSlash(key), buf.Bytes()); err != nil {
			s.logger.Warnf("Snapshot %s: mirror upload failed: %v", key, err)
		}
	}
	return path, nil
}

func writeExclusive(dir, name string, data []byte) (string, error) {
	base := strings.TrimSuffix(name, ".jpg")
	for i := 0; i < maxSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d.jpg", base, i)
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("too many snapshots named %s in %s", name, dir)
}

// List returns the snapshot file names of a session grouped by class, each
// list sorted oldest first.
func (s *Store) List(session string) (map[string][]string, error) {
	dir := filepath.Join(s.root, segment(session))
	classes, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	out := make(map[string][]string)
	for _, class := range classes {
		if !class.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, class.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", class.Name(), err)
		}
		var names []string
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".jpg") {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)
		out[class.Name()] = names
	}
	return out, nil
}
