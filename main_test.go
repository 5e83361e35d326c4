package main

import (
	"testing"
	"time"

	"github.com/printwatch/layercapture/internal/config"
)

func TestBuildCaptureConfigDefaults(t *testing.T) {
	cfg := buildCaptureConfig(config.EmptySettings())

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default settings produce an invalid capture config: %v", err)
	}

	if cfg.Grid.CenterX != 125 || cfg.Grid.CenterY != 105 {
		t.Errorf("grid center (%g, %g), want (125, 105)", cfg.Grid.CenterX, cfg.Grid.CenterY)
	}
	if cfg.Grid.SizeX != 3 || cfg.Grid.SizeY != 3 || cfg.Grid.SizeZ != 1 {
		t.Errorf("grid size (%d, %d, %d), want (3, 3, 1)", cfg.Grid.SizeX, cfg.Grid.SizeY, cfg.Grid.SizeZ)
	}
	if cfg.Limits.MaxX != 250 || cfg.Limits.MaxY != 210 || cfg.Limits.Margin != 10 {
		t.Errorf("bed limits %+v, want 250x210 margin 10", cfg.Limits)
	}
	if cfg.Trigger.EveryNLayers != 3 || cfg.Trigger.MinLayerHeight != 0.2 {
		t.Errorf("trigger %+v, want every 3 layers at 0.2mm", cfg.Trigger)
	}
	if cfg.Feedrate != 3000 {
		t.Errorf("feedrate = %d, want 3000", cfg.Feedrate)
	}
	if cfg.PauseTimeout != 10*time.Second || cfg.MoveTimeout != 15*time.Second {
		t.Errorf("timeouts (%s, %s), want (10s, 15s)", cfg.PauseTimeout, cfg.MoveTimeout)
	}
	if cfg.ResumeMaxAttempts != 3 {
		t.Errorf("resume attempts = %d, want 3", cfg.ResumeMaxAttempts)
	}
	if !cfg.SaveMetadata || !cfg.ReturnToOrigin {
		t.Error("save_metadata and return_to_origin should default on")
	}
}

func TestBuildCaptureConfigOverrides(t *testing.T) {
	spacing := 10.0
	everyN := 5
	timeout := "30s"
	s := &config.Settings{
		GridSpacingX:        &spacing,
		CaptureEveryNLayers: &everyN,
		PauseTimeout:        &timeout,
		CaptureZHeights:     []float64{1.0, 5.0},
	}

	cfg := buildCaptureConfig(s)

	if cfg.Grid.SpacingX != 10 {
		t.Errorf("spacing x = %g, want 10", cfg.Grid.SpacingX)
	}
	if cfg.Trigger.EveryNLayers != 5 {
		t.Errorf("interval = %d, want 5", cfg.Trigger.EveryNLayers)
	}
	if cfg.PauseTimeout != 30*time.Second {
		t.Errorf("pause timeout = %s, want 30s", cfg.PauseTimeout)
	}
	if len(cfg.Trigger.ZHeights) != 2 {
		t.Errorf("z heights = %v, want two entries", cfg.Trigger.ZHeights)
	}
}
