package tracker

import (
	"math"
	"sync"
	"time"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

// DefaultNoveltyIoU is the overlap above which a box counts as an already
// seen instance.
const DefaultNoveltyIoU = 0.5

// Summary is one row of the live display list.
type Summary struct {
	Index      int     `json:"index"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

type best struct {
	confidence float64
	timestamp  time.Time
}

// session хранит лучшие значения по классам и уже виденные боксы
type session struct {
	order []string
	best  map[string]best
	// Боксы никогда не удаляются в пределах сессии: проверка новизны O(n) на бокс.
	boxes map[string][]models.Box
}

func newSession() *session {
	return &session{
		best:  make(map[string]best),
		boxes: make(map[string][]models.Box),
	}
}

// History tracks the best detection per class and the distinct instances
// seen per class, keyed by session.
type History struct {
	threshold float64

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHistory creates a History. A threshold outside (0, 1] falls back to
// DefaultNoveltyIoU.
func NewHistory(threshold float64) *History {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultNoveltyIoU
	}
	return &History{
		threshold: threshold,
		sessions:  make(map[string]*session),
	}
}

func (h *History) get(name string) *session {
	s, ok := h.sessions[name]
	if !ok {
		s = newSession()
		h.sessions[name] = s
	}
	return s
}

// Record keeps the highest confidence seen for the class. Ties keep the
// first timestamp.
func (h *History) Record(sessionName, className string, confidence float64, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.get(sessionName)
	cur, ok := s.best[className]
	if !ok {
		s.order = append(s.order, className)
		s.best[className] = best{confidence: confidence, timestamp: ts}
		return
	}
	if confidence > cur.confidence {
		s.best[className] = best{confidence: confidence, timestamp: ts}
	}
}

// IsNewInstance reports whether box overlaps every stored box of the class by
// at most the threshold. A new box is stored and stays seen for the rest of
// the session.
func (h *History) IsNewInstance(sessionName, className string, box models.Box) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.get(sessionName)
	for _, seen := range s.boxes[className] {
		if IoU(box, seen) > h.threshold {
			return false
		}
	}
	s.boxes[className] = append(s.boxes[className], box)
	return true
}

// Snapshot returns the per-class best detections in first-seen order,
// indexed from 1.
func (h *History) Snapshot(sessionName string) []Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[sessionName]
	if !ok {
		return []Summary{}
	}

	out := make([]Summary, 0, len(s.order))
	for i, className := range s.order {
		b := s.best[className]
		out = append(out, Summary{
			Index:      i + 1,
			ClassName:  className,
			Confidence: math.Round(b.confidence*100) / 100,
			Timestamp:  b.timestamp.Format(models.TimestampLayout),
		})
	}
	return out
}

// Instances returns how many distinct instances of each class were seen.
func (h *History) Instances(sessionName string) map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int)
	if s, ok := h.sessions[sessionName]; ok {
		for className, boxes := range s.boxes {
			out[className] = len(boxes)
		}
	}
	return out
}

// Reset clears the state of one session.
func (h *History) Reset(sessionName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionName] = newSession()
}

// Forget drops a session entirely.
func (h *History) Forget(sessionName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionName)
}
