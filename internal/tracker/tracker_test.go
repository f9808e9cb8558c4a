package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

func TestIoU(t *testing.T) {
	a := models.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := models.Box{X1: 5, Y1: 0, X2: 15, Y2: 10}
	far := models.Box{X1: 100, Y1: 100, X2: 110, Y2: 110}
	empty := models.Box{X1: 3, Y1: 3, X2: 3, Y2: 3}

	assert.Equal(t, 1.0, IoU(a, a))
	assert.InDelta(t, 50.0/150.0, IoU(a, b), 1e-9)
	assert.Equal(t, IoU(a, b), IoU(b, a))
	assert.Zero(t, IoU(a, far))
	assert.Zero(t, IoU(empty, empty), "zero union must not divide")

	touching := models.Box{X1: 10, Y1: 0, X2: 20, Y2: 10}
	assert.Zero(t, IoU(a, touching))
}

func TestIoUBounded(t *testing.T) {
	boxes := []models.Box{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 2, Y1: 2, X2: 8, Y2: 8},
		{X1: -5, Y1: -5, X2: 5, Y2: 5},
		{X1: 9, Y1: 0, X2: 30, Y2: 4},
		{X1: 10, Y1: 10, X2: 0, Y2: 0},
	}
	for _, a := range boxes {
		for _, b := range boxes {
			v := IoU(a, b)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
			assert.Equal(t, v, IoU(b, a))
		}
	}
}

func TestRecordKeepsFirstMax(t *testing.T) {
	h := NewHistory(0)
	base := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

	values := []float64{40, 87.5, 60, 87.5, 10}
	for i, v := range values {
		h.Record("s1", "person", v, base.Add(time.Duration(i)*time.Second))
	}

	snap := h.Snapshot("s1")
	require.Len(t, snap, 1)
	assert.Equal(t, 87.5, snap[0].Confidence)
	assert.Equal(t, "2026-02-11 10:00:01", snap[0].Timestamp)
}

func TestSnapshotOrderAndIndex(t *testing.T) {
	h := NewHistory(0)
	now := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

	h.Record("s1", "dog", 55.555, now)
	h.Record("s1", "person", 91.2, now)
	h.Record("s1", "dog", 70, now)
	h.Record("s2", "cat", 30, now)

	snap := h.Snapshot("s1")
	require.Len(t, snap, 2)
	assert.Equal(t, Summary{Index: 1, ClassName: "dog", Confidence: 70, Timestamp: "2026-02-11 10:00:00"}, snap[0])
	assert.Equal(t, 2, snap[1].Index)
	assert.Equal(t, "person", snap[1].ClassName)

	assert.Empty(t, h.Snapshot("missing"))
	assert.NotNil(t, h.Snapshot("missing"))
}

func TestIsNewInstance(t *testing.T) {
	h := NewHistory(DefaultNoveltyIoU)
	b1 := models.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
	b2 := models.Box{X1: 5, Y1: 5, X2: 100, Y2: 100}
	b3 := models.Box{X1: 60, Y1: 0, X2: 160, Y2: 100}

	require.Greater(t, IoU(b1, b2), 0.5)
	require.LessOrEqual(t, IoU(b1, b3), 0.5)

	assert.True(t, h.IsNewInstance("s1", "person", b1))
	assert.False(t, h.IsNewInstance("s1", "person", b2))
	assert.True(t, h.IsNewInstance("s1", "person", b3))

	// другой класс и другая сессия независимы
	assert.True(t, h.IsNewInstance("s1", "dog", b1))
	assert.True(t, h.IsNewInstance("s2", "person", b1))

	assert.Equal(t, map[string]int{"person": 2, "dog": 1}, h.Instances("s1"))
}

func TestResetAndForget(t *testing.T) {
	h := NewHistory(0)
	box := models.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
	h.Record("s1", "person", 50, time.Now())
	require.True(t, h.IsNewInstance("s1", "person", box))

	h.Reset("s1")
	assert.Empty(t, h.Snapshot("s1"))
	assert.True(t, h.IsNewInstance("s1", "person", box))

	h.Forget("s1")
	assert.Empty(t, h.Instances("s1"))
}
