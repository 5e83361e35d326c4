package capture

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// UnixTime marshals as fractional Unix seconds, the timestamp format the
// original capture records used and downstream consumers expect.
type UnixTime time.Time

func (t UnixTime) MarshalJSON() ([]byte, error) {
	// a zero time.Time is "never set", not a year-1 epoch offset
	if time.Time(t).IsZero() {
		return []byte("0"), nil
	}
	secs := float64(time.Time(t).UnixNano()) / 1e9
	return []byte(strconv.FormatFloat(secs, 'f', 6, 64)), nil
}

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse unix timestamp: %w", err)
	}
	*t = UnixTime(time.Unix(0, int64(secs*1e9)))
	return nil
}

// Time returns the wrapped time value.
func (t UnixTime) Time() time.Time { return time.Time(t) }

// AxisValues is a per-axis float triple as persisted in records.
type AxisValues struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AxisSizes is a per-axis size triple as persisted in records.
type AxisSizes struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// GridSnapshot is the grid configuration exactly as used by a session,
// frozen into its record.
type GridSnapshot struct {
	Spacing AxisValues `json:"grid_spacing"`
	Center  AxisValues `json:"grid_center"`
	Size    AxisSizes  `json:"grid_size"`
	ZOffset float64    `json:"z_offset"`
}

// Snapshot freezes a GridConfig for persistence.
func (c GridConfig) Snapshot() GridSnapshot {
	return GridSnapshot{
		Spacing: AxisValues{X: c.SpacingX, Y: c.SpacingY, Z: c.SpacingZ},
		Center:  AxisValues{X: c.CenterX, Y: c.CenterY, Z: c.CenterZ},
		Size:    AxisSizes{X: c.SizeX, Y: c.SizeY, Z: c.SizeZ},
		ZOffset: c.BaseZOffset,
	}
}

// SessionRecord is the write-once persisted result of a capture session.
// Field names and nesting are fixed: downstream consumers parse them.
type SessionRecord struct {
	SessionID      string            `json:"session_id"`
	Layer          int               `json:"layer"`
	ZHeight        float64           `json:"z_height"`
	Timestamp      UnixTime          `json:"timestamp"`
	GcodeFile      string            `json:"gcode_file"`
	PrintStartTime UnixTime          `json:"print_start_time"`
	Images         []ImageRecord     `json:"images"`
	Skipped        []PositionFailure `json:"skipped"`
	Outcome        string            `json:"outcome"`
	AbortReason    string            `json:"abort_reason,omitempty"`
	CompletedAt    UnixTime          `json:"completed_at"`
	Settings       GridSnapshot      `json:"settings"`
}

// Finalize assembles the persisted record for a finished session. It is a
// pure transformation: the session is read, never mutated, and every
// appended ImageRecord is carried into the result regardless of outcome.
func Finalize(s *Session, outcome Status, reason AbortReason, grid GridConfig) SessionRecord {
	images := make([]ImageRecord, len(s.Images))
	copy(images, s.Images)
	skipped := make([]PositionFailure, len(s.Failures))
	copy(skipped, s.Failures)

	return SessionRecord{
		SessionID:      s.ID,
		Layer:          s.Layer,
		ZHeight:        s.ZHeight,
		Timestamp:      UnixTime(s.StartedAt),
		GcodeFile:      s.Job.GcodeFile,
		PrintStartTime: UnixTime(s.Job.PrintStartTime),
		Images:         images,
		Skipped:        skipped,
		Outcome:        string(outcome),
		AbortReason:    string(reason),
		CompletedAt:    UnixTime(time.Now()),
		Settings:       grid.Snapshot(),
	}
}

// Marshal renders the record as indented JSON for the metadata file.
func (r SessionRecord) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session record: %w", err)
	}
	return data, nil
}
