package capture

import (
	"time"

	"github.com/google/uuid"
)

// Status tags the capture session's position in its lifecycle.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusPaused    Status = "paused"
	StatusMoving    Status = "moving"
	StatusCapturing Status = "capturing"
	StatusReturning Status = "returning"
	StatusResuming  Status = "resuming"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// ImageRecord describes one image actually captured during a session.
// Records are appended only by the orchestrator, only for positions where
// the camera reported success.
type ImageRecord struct {
	Path       string   `json:"path"`
	Position   Point    `json:"position"`
	Index      int      `json:"index"`
	CapturedAt UnixTime `json:"captured_at"`
}

// Point is a machine coordinate as persisted in session records.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PositionFailure records a planned position that produced no image,
// either because it was unsafe, the move timed out, or the capture failed.
type PositionFailure struct {
	Position Point       `json:"position"`
	Index    int         `json:"index"`
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail,omitempty"`
}

// JobIdentity names the print job a session belongs to.
type JobIdentity struct {
	GcodeFile      string
	PrintStartTime time.Time
}

// Session holds the mutable state of one in-progress layer capture. It is
// owned exclusively by the orchestrator: created when a trigger fires,
// converted into a SessionRecord when it reaches Completed or Aborted.
type Session struct {
	ID        string
	Layer     int
	ZHeight   float64
	StartedAt time.Time
	Job       JobIdentity

	Positions []GridPosition
	NextIndex int

	Images   []ImageRecord
	Failures []PositionFailure

	Status      Status
	AbortReason AbortReason
}

// NewSession creates a session for the given trigger. The position list is
// filled in by the orchestrator once pause is confirmed.
func NewSession(layer int, zHeight float64, job JobIdentity) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Layer:     layer,
		ZHeight:   zHeight,
		StartedAt: time.Now(),
		Job:       job,
		Status:    StatusPlanning,
	}
}

// SafeCount returns how many planned positions are safe to visit.
func (s *Session) SafeCount() int {
	n := 0
	for _, p := range s.Positions {
		if p.Safe {
			n++
		}
	}
	return n
}

// AddImage appends a completed image record.
func (s *Session) AddImage(rec ImageRecord) {
	s.Images = append(s.Images, rec)
}

// AddFailure records a position that yielded no image.
func (s *Session) AddFailure(pos GridPosition, index int, kind FailureKind, detail string) {
	s.Failures = append(s.Failures, PositionFailure{
		Position: Point{X: pos.X, Y: pos.Y, Z: pos.Z},
		Index:    index,
		Kind:     kind,
		Detail:   detail,
	})
}
