// Package capture implements the layer capture core: grid planning,
// trigger rules, the capture session state machine, and metadata records.
package capture

import (
	"fmt"
)

// GridConfig describes the capture grid: a rectangular lattice of head
// positions centred on a configured point. Sizes are odd so the centre
// point is always part of the grid.
type GridConfig struct {
	CenterX float64
	CenterY float64
	CenterZ float64

	SpacingX float64
	SpacingY float64
	SpacingZ float64

	SizeX int
	SizeY int
	SizeZ int

	// BaseZOffset is added to the triggering layer height so the nozzle
	// clears the part while the head moves over it.
	BaseZOffset float64
}

// Validate checks the grid invariants: odd positive sizes on every axis,
// and non-zero spacing wherever a size is greater than one.
func (c GridConfig) Validate() error {
	for _, axis := range []struct {
		name    string
		size    int
		spacing float64
	}{
		{"x", c.SizeX, c.SpacingX},
		{"y", c.SizeY, c.SpacingY},
		{"z", c.SizeZ, c.SpacingZ},
	} {
		if axis.size < 1 {
			return fmt.Errorf("%w: grid size %s must be >= 1, got %d", ErrInvalidConfiguration, axis.name, axis.size)
		}
		if axis.size%2 == 0 {
			return fmt.Errorf("%w: grid size %s must be odd, got %d", ErrInvalidConfiguration, axis.name, axis.size)
		}
		if axis.size > 1 && axis.spacing <= 0 {
			return fmt.Errorf("%w: grid spacing %s must be > 0 when size %s > 1", ErrInvalidConfiguration, axis.name, axis.name)
		}
		if axis.spacing < 0 {
			return fmt.Errorf("%w: grid spacing %s must not be negative", ErrInvalidConfiguration, axis.name)
		}
	}
	return nil
}

// BedLimits describes the printable volume and the safety margin kept from
// the bed edges. The margin applies to X and Y only; Z is bounded by
// [0, MaxZ].
type BedLimits struct {
	MaxX   float64
	MaxY   float64
	MaxZ   float64
	Margin float64
}

// Validate rejects limits under which no position could ever be safe.
func (l BedLimits) Validate() error {
	if l.MaxX <= 0 || l.MaxY <= 0 || l.MaxZ <= 0 {
		return fmt.Errorf("%w: bed dimensions must be positive (got %gx%gx%g)", ErrInvalidConfiguration, l.MaxX, l.MaxY, l.MaxZ)
	}
	if l.Margin < 0 {
		return fmt.Errorf("%w: boundary margin must be >= 0, got %g", ErrInvalidConfiguration, l.Margin)
	}
	if l.Margin >= l.MaxX/2 || l.Margin >= l.MaxY/2 {
		return fmt.Errorf("%w: boundary margin %g leaves no safe area on a %gx%g bed", ErrInvalidConfiguration, l.Margin, l.MaxX, l.MaxY)
	}
	return nil
}

// SafeXY reports whether an XY point is inside the bed minus the margin.
func (l BedLimits) SafeXY(x, y float64) bool {
	return x >= l.Margin && x <= l.MaxX-l.Margin &&
		y >= l.Margin && y <= l.MaxY-l.Margin
}

// SafeZ reports whether a Z height is within the printable range.
func (l BedLimits) SafeZ(z float64) bool {
	return z >= 0 && z <= l.MaxZ
}

// Safe reports whether all three axes are within bounds simultaneously.
func (l BedLimits) Safe(x, y, z float64) bool {
	return l.SafeXY(x, y) && l.SafeZ(z)
}

// GridPosition is one planned capture point. IX/IY/IZ are lattice indices
// relative to the grid centre; X/Y/Z are resolved machine coordinates.
// Safe is computed once at planning time and never re-evaluated.
type GridPosition struct {
	IX, IY, IZ int
	X, Y, Z    float64
	Safe       bool
}

// Plan materialises the ordered position list for one capture session.
//
// Iteration order is x outer, y middle, z inner over the index range
// [-size/2, size/2] per axis, so identical inputs always produce an
// identical sequence. Unsafe positions are kept in the result (previews
// want to show them); callers must skip them before issuing motion.
//
// Plan is pure: it never fails and holds no state, so it is safe to call
// repeatedly and concurrently.
func Plan(cfg GridConfig, limits BedLimits, zReference float64) []GridPosition {
	halfX := cfg.SizeX / 2
	halfY := cfg.SizeY / 2
	halfZ := cfg.SizeZ / 2

	positions := make([]GridPosition, 0, cfg.SizeX*cfg.SizeY*cfg.SizeZ)
	for ix := -halfX; ix <= halfX; ix++ {
		for iy := -halfY; iy <= halfY; iy++ {
			for iz := -halfZ; iz <= halfZ; iz++ {
				x := cfg.CenterX + float64(ix)*cfg.SpacingX
				y := cfg.CenterY + float64(iy)*cfg.SpacingY
				z := zReference + cfg.BaseZOffset + cfg.CenterZ + float64(iz)*cfg.SpacingZ
				positions = append(positions, GridPosition{
					IX: ix, IY: iy, IZ: iz,
					X: x, Y: y, Z: z,
					Safe: limits.Safe(x, y, z),
				})
			}
		}
	}
	return positions
}
