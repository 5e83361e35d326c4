// Package config loads and validates the daemon's settings file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Settings is the root configuration. Every field is a pointer so a
// partial JSON file only overrides what it names; the Get* accessors
// supply defaults for anything omitted.
type Settings struct {
	// Grid configuration
	GridSpacingX *float64 `json:"grid_spacing_x,omitempty"`
	GridSpacingY *float64 `json:"grid_spacing_y,omitempty"`
	GridSpacingZ *float64 `json:"grid_spacing_z,omitempty"`
	GridCenterX  *float64 `json:"grid_center_x,omitempty"`
	GridCenterY  *float64 `json:"grid_center_y,omitempty"`
	GridCenterZ  *float64 `json:"grid_center_z,omitempty"`
	GridSizeX    *int     `json:"grid_size_x,omitempty"`
	GridSizeY    *int     `json:"grid_size_y,omitempty"`
	GridSizeZ    *int     `json:"grid_size_z,omitempty"`
	ZOffset      *float64 `json:"z_offset,omitempty"`

	// Bed limits
	BedMaxX        *float64 `json:"bed_max_x,omitempty"`
	BedMaxY        *float64 `json:"bed_max_y,omitempty"`
	MaxZHeight     *float64 `json:"max_z_height,omitempty"`
	BoundaryMargin *float64 `json:"boundary_margin,omitempty"`

	// Layer trigger configuration
	CaptureEveryNLayers *int      `json:"capture_every_n_layers,omitempty"`
	CaptureZHeights     []float64 `json:"capture_z_heights,omitempty"`
	MinLayerHeight      *float64  `json:"min_layer_height,omitempty"`

	// Capture sequencing
	Feedrate       *int    `json:"feedrate,omitempty"`
	SettleDelay    *string `json:"settle_delay,omitempty"` // duration string like "2s"
	ReturnToOrigin *bool   `json:"return_to_origin,omitempty"`

	// Timeouts and retry policy
	PauseTimeout      *string `json:"pause_timeout,omitempty"`
	MoveTimeout       *string `json:"move_timeout,omitempty"`
	ResumeTimeout     *string `json:"resume_timeout,omitempty"`
	ResumeMaxAttempts *int    `json:"resume_max_attempts,omitempty"`
	ResumeBackoff     *string `json:"resume_backoff,omitempty"`

	// Camera
	UseFakeCamera *bool   `json:"use_fake_camera,omitempty"`
	CameraCommand *string `json:"camera_command,omitempty"`

	// File management
	CaptureFolder   *string `json:"capture_folder,omitempty"`
	SaveMetadata    *bool   `json:"save_metadata,omitempty"`
	PartitionByDate *bool   `json:"partition_by_date,omitempty"`
}

// EmptySettings returns Settings with all fields unset.
func EmptySettings() *Settings {
	return &Settings{}
}

// Load reads a Settings JSON file. Omitted fields keep their defaults, so
// partial configs are safe.
func Load(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("settings file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := EmptySettings()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Validate checks field-level constraints. Cross-field invariants (grid
// versus bed, margin versus dimensions) are enforced again by the capture
// configuration before any session can start.
func (s *Settings) Validate() error {
	for _, f := range []struct {
		name string
		val  *float64
	}{
		{"grid_spacing_x", s.GridSpacingX},
		{"grid_spacing_y", s.GridSpacingY},
		{"grid_spacing_z", s.GridSpacingZ},
		{"boundary_margin", s.BoundaryMargin},
	} {
		if f.val != nil && *f.val < 0 {
			return fmt.Errorf("%s must be >= 0, got %g", f.name, *f.val)
		}
	}
	for _, f := range []struct {
		name string
		val  *int
	}{
		{"grid_size_x", s.GridSizeX},
		{"grid_size_y", s.GridSizeY},
		{"grid_size_z", s.GridSizeZ},
	} {
		if f.val != nil && (*f.val < 1 || *f.val%2 == 0) {
			return fmt.Errorf("%s must be an odd positive integer, got %d", f.name, *f.val)
		}
	}
	if s.MinLayerHeight != nil && *s.MinLayerHeight <= 0 {
		return fmt.Errorf("min_layer_height must be > 0, got %g", *s.MinLayerHeight)
	}
	if s.CaptureEveryNLayers != nil && *s.CaptureEveryNLayers < 0 {
		return fmt.Errorf("capture_every_n_layers must be >= 0, got %d", *s.CaptureEveryNLayers)
	}
	if s.Feedrate != nil && *s.Feedrate <= 0 {
		return fmt.Errorf("feedrate must be > 0, got %d", *s.Feedrate)
	}
	if s.ResumeMaxAttempts != nil && *s.ResumeMaxAttempts < 1 {
		return fmt.Errorf("resume_max_attempts must be >= 1, got %d", *s.ResumeMaxAttempts)
	}
	for _, f := range []struct {
		name string
		val  *string
	}{
		{"settle_delay", s.SettleDelay},
		{"pause_timeout", s.PauseTimeout},
		{"move_timeout", s.MoveTimeout},
		{"resume_timeout", s.ResumeTimeout},
		{"resume_backoff", s.ResumeBackoff},
	} {
		if f.val != nil && *f.val != "" {
			if _, err := time.ParseDuration(*f.val); err != nil {
				return fmt.Errorf("invalid %s %q: %w", f.name, *f.val, err)
			}
		}
	}
	return nil
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// Grid accessors. Defaults match the classic 3x3 single-plane capture
// grid centred on a 250x210 bed.

func (s *Settings) GetGridSpacingX() float64 { return getFloat(s.GridSpacingX, 20) }
func (s *Settings) GetGridSpacingY() float64 { return getFloat(s.GridSpacingY, 20) }
func (s *Settings) GetGridSpacingZ() float64 { return getFloat(s.GridSpacingZ, 0) }
func (s *Settings) GetGridCenterX() float64  { return getFloat(s.GridCenterX, 125) }
func (s *Settings) GetGridCenterY() float64  { return getFloat(s.GridCenterY, 105) }
func (s *Settings) GetGridCenterZ() float64  { return getFloat(s.GridCenterZ, 0) }
func (s *Settings) GetGridSizeX() int        { return getInt(s.GridSizeX, 3) }
func (s *Settings) GetGridSizeY() int        { return getInt(s.GridSizeY, 3) }
func (s *Settings) GetGridSizeZ() int        { return getInt(s.GridSizeZ, 1) }
func (s *Settings) GetZOffset() float64      { return getFloat(s.ZOffset, 5) }

// Bed accessors.

func (s *Settings) GetBedMaxX() float64        { return getFloat(s.BedMaxX, 250) }
func (s *Settings) GetBedMaxY() float64        { return getFloat(s.BedMaxY, 210) }
func (s *Settings) GetMaxZHeight() float64     { return getFloat(s.MaxZHeight, 300) }
func (s *Settings) GetBoundaryMargin() float64 { return getFloat(s.BoundaryMargin, 10) }

// Trigger accessors.

func (s *Settings) GetCaptureEveryNLayers() int { return getInt(s.CaptureEveryNLayers, 3) }
func (s *Settings) GetMinLayerHeight() float64  { return getFloat(s.MinLayerHeight, 0.2) }
func (s *Settings) GetCaptureZHeights() []float64 {
	if s.CaptureZHeights == nil {
		return nil
	}
	return append([]float64(nil), s.CaptureZHeights...)
}

// Sequencing accessors.

func (s *Settings) GetFeedrate() int              { return getInt(s.Feedrate, 3000) }
func (s *Settings) GetSettleDelay() time.Duration { return getDuration(s.SettleDelay, 2*time.Second) }
func (s *Settings) GetReturnToOrigin() bool       { return getBool(s.ReturnToOrigin, true) }

// Timeout and retry accessors.

func (s *Settings) GetPauseTimeout() time.Duration {
	return getDuration(s.PauseTimeout, 10*time.Second)
}
func (s *Settings) GetMoveTimeout() time.Duration { return getDuration(s.MoveTimeout, 15*time.Second) }
func (s *Settings) GetResumeTimeout() time.Duration {
	return getDuration(s.ResumeTimeout, 10*time.Second)
}
func (s *Settings) GetResumeMaxAttempts() int { return getInt(s.ResumeMaxAttempts, 3) }
func (s *Settings) GetResumeBackoff() time.Duration {
	return getDuration(s.ResumeBackoff, 2*time.Second)
}

// Camera and file management accessors.

func (s *Settings) GetUseFakeCamera() bool { return getBool(s.UseFakeCamera, true) }
func (s *Settings) GetCameraCommand() string {
	if s.CameraCommand == nil {
		return ""
	}
	return *s.CameraCommand
}
func (s *Settings) GetCaptureFolder() string {
	if s.CaptureFolder == nil {
		return "layercapture"
	}
	return *s.CaptureFolder
}
func (s *Settings) GetSaveMetadata() bool    { return getBool(s.SaveMetadata, true) }
func (s *Settings) GetPartitionByDate() bool { return getBool(s.PartitionByDate, false) }
