package capture

import (
	"fmt"
	"math"
	"sort"
)

// TriggerRule decides which layers start a capture session: every Nth
// layer, an explicit list of Z heights, or both. Z heights are converted
// to layer numbers using the configured minimum layer height, matching how
// layers are derived from the firmware's Z reports.
type TriggerRule struct {
	EveryNLayers   int
	ZHeights       []float64
	MinLayerHeight float64
}

// Validate rejects rules that could never fire or would divide by zero
// when deriving layers from Z heights.
func (r TriggerRule) Validate() error {
	if r.MinLayerHeight <= 0 {
		return fmt.Errorf("%w: min layer height must be > 0, got %g", ErrInvalidConfiguration, r.MinLayerHeight)
	}
	if r.EveryNLayers < 0 {
		return fmt.Errorf("%w: capture interval must be >= 0, got %d", ErrInvalidConfiguration, r.EveryNLayers)
	}
	if r.EveryNLayers == 0 && len(r.ZHeights) == 0 {
		return fmt.Errorf("%w: no trigger configured (interval 0 and no z heights)", ErrInvalidConfiguration)
	}
	for _, z := range r.ZHeights {
		if z <= 0 {
			return fmt.Errorf("%w: trigger z height must be > 0, got %g", ErrInvalidConfiguration, z)
		}
	}
	return nil
}

// LayerForZ derives the layer number reached at the given Z height. The
// epsilon absorbs binary float error in the division: 0.6/0.2 evaluates
// fractionally below 3 and must not truncate to layer 2.
func (r TriggerRule) LayerForZ(z float64) int {
	return int(z/r.MinLayerHeight + 1e-9)
}

// targetLayers returns the layers implied by the explicit Z height list.
func (r TriggerRule) targetLayers() map[int]bool {
	targets := make(map[int]bool, len(r.ZHeights))
	for _, z := range r.ZHeights {
		targets[r.LayerForZ(z)] = true
	}
	return targets
}

// Matches reports whether the given layer should trigger a capture.
func (r TriggerRule) Matches(layer int) bool {
	if layer <= 0 {
		return false
	}
	if r.EveryNLayers > 0 && layer%r.EveryNLayers == 0 {
		return true
	}
	return r.targetLayers()[layer]
}

// TargetLayersUpTo lists the trigger layers up to and including max, in
// ascending order. Used for status reporting and the grid preview tool.
func (r TriggerRule) TargetLayersUpTo(max int) []int {
	seen := make(map[int]bool)
	if r.EveryNLayers > 0 {
		for l := r.EveryNLayers; l <= max; l += r.EveryNLayers {
			seen[l] = true
		}
	}
	for l := range r.targetLayers() {
		if l > 0 && l <= max {
			seen[l] = true
		}
	}
	layers := make([]int, 0, len(seen))
	for l := range seen {
		layers = append(layers, l)
	}
	sort.Ints(layers)
	return layers
}

// LayerTracker folds the firmware's Z change reports into layer change
// decisions. Repeated reports for the same layer and transient Z dips
// (nozzle lifts, retraction moves) do not re-fire a trigger.
type LayerTracker struct {
	rule         TriggerRule
	currentLayer int
	maxZ         float64
}

// NewLayerTracker creates a tracker for one print job.
func NewLayerTracker(rule TriggerRule) *LayerTracker {
	return &LayerTracker{rule: rule}
}

// ObserveZ processes a Z change report. It returns the derived layer and
// whether the configured rule fires for it. A trigger fires only when the
// layer number advances past the highest layer seen so far.
func (t *LayerTracker) ObserveZ(z float64) (layer int, fire bool) {
	if z <= 0 || math.IsNaN(z) || math.IsInf(z, 0) {
		return t.currentLayer, false
	}
	if z <= t.maxZ {
		return t.currentLayer, false
	}
	t.maxZ = z

	layer = t.rule.LayerForZ(z)
	if layer == t.currentLayer {
		return layer, false
	}
	t.currentLayer = layer
	return layer, t.rule.Matches(layer)
}

// ObserveLayer processes an explicit layer change report (firmwares that
// emit layer comments bypass Z derivation entirely).
func (t *LayerTracker) ObserveLayer(layer int) (int, bool) {
	if layer <= t.currentLayer {
		return t.currentLayer, false
	}
	t.currentLayer = layer
	return layer, t.rule.Matches(layer)
}

// CurrentLayer returns the highest layer observed so far.
func (t *LayerTracker) CurrentLayer() int {
	return t.currentLayer
}

// Reset clears tracking state at the start of a new print job.
func (t *LayerTracker) Reset() {
	t.currentLayer = 0
	t.maxZ = 0
}
