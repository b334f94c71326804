// Package correction applies a piecewise-linear mechanical correction curve around the unit
// converter.
package correction

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/viam-modules/ximc/units"
)

// MaxPoints is the largest number of rows a table may hold.
const MaxPoints = 100

var (
	// ErrTableOutOfOrder is returned when coordinates are not strictly increasing.
	ErrTableOutOfOrder = errors.New("correction table coordinates must be strictly increasing")
	// ErrTableTooLarge is returned when a table has more than MaxPoints rows.
	ErrTableTooLarge = errors.New("correction table is too large")
)

// Point is one row of a correction table. Coordinate is a raw position in fractional whole
// steps; Deviation is already expressed in user units.
type Point struct {
	Coordinate float64
	Deviation  float64
}

// Table is an immutable correction curve. A nil or empty Table applies no correction.
type Table struct {
	points []Point
}

// NewTable validates and copies points into a new Table.
func NewTable(points []Point) (*Table, error) {
	if len(points) > MaxPoints {
		return nil, errors.Wrapf(ErrTableTooLarge, "%d rows, at most %d allowed", len(points), MaxPoints)
	}
	for i, p := range points {
		if math.IsNaN(p.Coordinate) || math.IsInf(p.Coordinate, 0) ||
			math.IsNaN(p.Deviation) || math.IsInf(p.Deviation, 0) {
			return nil, errors.Errorf("correction table row %d is not finite", i)
		}
		if i > 0 && p.Coordinate <= points[i-1].Coordinate {
			return nil, errors.Wrapf(ErrTableOutOfOrder, "row %d coordinate %v follows %v",
				i, p.Coordinate, points[i-1].Coordinate)
		}
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	return &Table{points: cp}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.points)
}

// Points returns a copy of the rows.
func (t *Table) Points() []Point {
	if t == nil {
		return nil
	}
	cp := make([]Point, len(t.points))
	copy(cp, t.points)
	return cp
}

// Interpolate returns the deviation at raw coordinate x, clamping to the first and last rows
// outside the table's range.
func (t *Table) Interpolate(x float64) float64 {
	if t.Len() == 0 {
		return 0
	}
	pts := t.points
	last := len(pts) - 1
	if x <= pts[0].Coordinate {
		return pts[0].Deviation
	}
	if x >= pts[last].Coordinate {
		return pts[last].Deviation
	}
	// First row strictly to the right of x; x is inside so 1 <= i <= last.
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Coordinate > x })
	p0, p1 := pts[i-1], pts[i]
	return p0.Deviation + (p1.Deviation-p0.Deviation)*(x-p0.Coordinate)/(p1.Coordinate-p0.Coordinate)
}

// CorrectedUserPosition converts raw to user units and adds the table's deviation at raw.
func (t *Table) CorrectedUserPosition(raw units.RawPosition, c units.Calibration) (float64, error) {
	v, err := units.ToUserUnits(raw, c)
	if err != nil {
		return 0, err
	}
	return v + t.Interpolate(raw.FractionalSteps(c)), nil
}

// InvertTargetToRaw finds the raw position whose corrected user-unit value is target.
//
// The corrected value g(x) = x*factor + Interpolate(x) is affine on each table segment and on
// the two clamped half-lines outside the table, so each piece is inverted directly. Pieces are
// tried left to right and the first one containing target wins. When the curve is not
// monotonic, more than one raw position may map to target.
func (t *Table) InvertTargetToRaw(target float64, c units.Calibration) (units.RawPosition, error) {
	if err := c.Validate(); err != nil {
		return units.RawPosition{}, err
	}
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return units.RawPosition{}, errors.Errorf("cannot move to non-finite position %v", target)
	}
	if t.Len() == 0 {
		return units.FromUserUnits(target, c)
	}

	pts := t.points
	g := func(p Point) float64 { return p.Coordinate*c.Factor + p.Deviation }

	first, last := pts[0], pts[len(pts)-1]
	if target <= g(first) {
		return units.FromSteps((target-first.Deviation)/c.Factor, c)
	}
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		ga, gb := g(a), g(b)
		if !between(target, ga, gb) {
			continue
		}
		x := a.Coordinate
		if gb != ga {
			x += (target - ga) * (b.Coordinate - a.Coordinate) / (gb - ga)
		}
		return units.FromSteps(x, c)
	}
	if target >= g(last) {
		return units.FromSteps((target-last.Deviation)/c.Factor, c)
	}

	// Rounding at segment ends can slip past every piece; fall back to the nearest end.
	if math.Abs(target-g(first)) <= math.Abs(target-g(last)) {
		return units.FromSteps(first.Coordinate, c)
	}
	return units.FromSteps(last.Coordinate, c)
}

func between(v, a, b float64) bool {
	if a > b {
		a, b = b, a
	}
	return v >= a && v <= b
}

// Holder publishes the current table of a device session. Readers never observe a partially
// built table: a reload builds a new Table and swaps the pointer.
type Holder struct {
	table atomic.Pointer[Table]
}

// Load returns the current table, nil when none is loaded.
func (h *Holder) Load() *Table {
	return h.table.Load()
}

// Store replaces the current table.
func (h *Holder) Store(t *Table) {
	h.table.Store(t)
}

// Replace validates points and swaps them in. On error the previous table is kept.
func (h *Holder) Replace(points []Point) error {
	t, err := NewTable(points)
	if err != nil {
		return err
	}
	h.table.Store(t)
	return nil
}

// Clear removes any loaded table.
func (h *Holder) Clear() {
	h.table.Store(nil)
}
