package stage

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Shape is the kind of marking printed along a grid edge. Squares count positive rows and
// columns, circles negative ones.
type Shape int

// Marking shapes.
const (
	ShapeSquare Shape = iota
	ShapeCircle
)

// ErrOutsideCircle is returned for grid squares whose corner lies outside the usable disc.
var ErrOutsideCircle = errors.New("grid square is outside the circle")

// Grid describes a square grid printed inside a disc. Lengths share one unit.
type Grid struct {
	Spacing       float64
	LineThickness float64
	Radius        float64
	// Origin is the disc centre in stage coordinates.
	Origin r2.Point
}

// DefaultGrid is the sample carrier grid in micrometres: 2.2 mm squares between 0.8 mm lines
// on a 35 mm disc.
func DefaultGrid() Grid {
	return Grid{
		Spacing:       2200,
		LineThickness: 800,
		Radius:        35000 / 2,
		Origin:        r2.Point{X: 23000, Y: 23000},
	}
}

// Pitch is the distance between the corners of neighbouring squares.
func (g Grid) Pitch() float64 {
	return g.Spacing + g.LineThickness
}

// SquareFromMarkings returns the row and column identified by the number and shape of the
// markings on each edge.
func SquareFromMarkings(xMarks int, xShape Shape, yMarks int, yShape Shape) (row, col int, err error) {
	if xMarks < 1 || yMarks < 1 {
		return 0, 0, errors.Errorf("a square needs at least one marking per edge, got %d and %d", xMarks, yMarks)
	}
	col, row = xMarks, yMarks
	if xShape == ShapeCircle {
		col = -col
	}
	if yShape == ShapeCircle {
		row = -row
	}
	return row, col, nil
}

// SquareCorner returns the lower-left corner of a square relative to the disc centre. Rows and
// columns are numbered from 1 upwards and from -1 downwards; there is no row or column 0.
func (g Grid) SquareCorner(row, col int) r2.Point {
	index := func(i int) float64 {
		if i > 0 {
			return float64(i - 1)
		}
		return float64(i)
	}
	return r2.Point{
		X: index(col)*g.Pitch() + g.LineThickness/2,
		Y: index(row)*g.Pitch() + g.LineThickness/2,
	}
}

// Target returns the stage coordinate of the point delta inside square (row, col).
func (g Grid) Target(row, col int, delta r2.Point) (r2.Point, error) {
	if row == 0 || col == 0 {
		return r2.Point{}, errors.New("rows and columns start at 1 or -1")
	}
	if delta.X < 0 || delta.Y < 0 || delta.X > g.Pitch() || delta.Y > g.Pitch() {
		return r2.Point{}, errors.Errorf("offset %v is outside a %v square", delta, g.Pitch())
	}
	corner := g.SquareCorner(row, col)
	if corner.Norm() > g.Radius {
		return r2.Point{}, errors.Wrapf(ErrOutsideCircle, "row %d column %d", row, col)
	}
	return g.Origin.Add(corner).Add(delta), nil
}
