package models

import (
	"image"
	"time"
)

// TimestampLayout is the ledger and display timestamp format.
const TimestampLayout = "2006-01-02 15:04:05"

type CommandAction string

const (
	CommandStart CommandAction = "start"
	CommandStop  CommandAction = "stop"
)

type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
)

// Box is an axis-aligned pixel rectangle in frame coordinates.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the box has positive width and height.
func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

func (b Box) Area() int {
	if !b.Valid() {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one scored, localized class prediction from a single frame.
type Detection struct {
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	Box        Box       `json:"box"`
	Timestamp  time.Time `json:"timestamp"`
}

// Prediction is the wire shape returned by the model server.
type Prediction struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box"` // [x1, y1, x2, y2]
}

// DetectionEvent is one persisted ledger row.
type DetectionEvent struct {
	SessionName string  `json:"session_name"`
	ClassName   string  `json:"class_name"`
	Confidence  float64 `json:"confidence"`
	DetectedAt  string  `json:"detected_at"`
}

// DetectionRecord is a ledger row as returned for one session.
type DetectionRecord struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

// SessionSummary aggregates ledger rows of one session.
type SessionSummary struct {
	SessionName string `json:"session_name"`
	LastSeen    string `json:"last_seen"`
	Total       int    `json:"total"`
}

// Session is one bounded detection run.
type Session struct {
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SessionCommand is a remote start/stop request.
type SessionCommand struct {
	Action      CommandAction `json:"action"`
	SessionName string        `json:"session_name"`
}

// SessionEvent is published whenever a session changes state.
type SessionEvent struct {
	ID          string        `json:"id"`
	SessionName string        `json:"session_name"`
	Status      SessionStatus `json:"status"`
	Frame       int64         `json:"frame"`
	TimeStamp   time.Time     `json:"timestamp"`
}

// OutboxMessage is a detection event waiting to be published.
type OutboxMessage struct {
	ID          string    `json:"id"`
	SessionName string    `json:"session_name"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}
