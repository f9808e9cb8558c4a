package tracker

import "github.com/Capitan-Parrot/detection-stream/internal/models"

// IoU returns the intersection over union of two boxes. Non-overlapping
// boxes and a zero union both give 0.
func IoU(a, b models.Box) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	inter := max(0, x2-x1) * max(0, y2-y1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}

	iou := float64(inter) / float64(union)
	if iou > 1 {
		return 1
	}
	return iou
}
