// Package pattern describes calibration targets and finds their feature points in images.
package pattern

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Type is the kind of calibration target.
type Type string

const (
	// Chessboard finds the inner corners of a checkerboard.
	Chessboard = Type("chessboard")
	// SymmetricCircles is a rectangular grid of dark circles.
	SymmetricCircles = Type("circles")
	// AsymmetricCircles is a grid of dark circles where every other row is offset by half a column.
	AsymmetricCircles = Type("asymmetric_circles")
)

// ParseType converts a config string to a Type. The empty string selects AsymmetricCircles.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "":
		return AsymmetricCircles, nil
	case Chessboard, SymmetricCircles, AsymmetricCircles:
		return t, nil
	default:
		return "", errors.Errorf("unknown pattern type %q", s)
	}
}

// Pattern is the geometry of a calibration target. Cols is the number of points in a row and
// Rows the number of rows; Spacing is the distance between neighbouring points in whatever
// unit the stereo baseline should come out in.
type Pattern struct {
	Type    Type
	Rows    int
	Cols    int
	Spacing float64
}

// Default is the 4x11 asymmetric circle grid with 16.5mm spacing.
func Default() Pattern {
	return Pattern{Type: AsymmetricCircles, Rows: 11, Cols: 4, Spacing: 16.5}
}

// Validate checks the pattern geometry.
func (p Pattern) Validate() error {
	if _, err := ParseType(string(p.Type)); err != nil {
		return err
	}
	if p.Rows < 2 || p.Cols < 2 {
		return errors.Errorf("pattern needs at least 2 rows and 2 columns, got %dx%d", p.Rows, p.Cols)
	}
	if p.Rows*p.Cols < 6 {
		return errors.Errorf("pattern needs at least 6 points, got %d", p.Rows*p.Cols)
	}
	if p.Spacing <= 0 {
		return errors.Errorf("pattern spacing must be positive, got %v", p.Spacing)
	}
	return nil
}

// Size is the number of feature points.
func (p Pattern) Size() int {
	return p.Rows * p.Cols
}

// ObjectPoints are the feature points in board coordinates (Z=0), in canonical order: row by
// row, left to right.
func (p Pattern) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, p.Size())
	for i := 0; i < p.Rows; i++ {
		for j := 0; j < p.Cols; j++ {
			x := float64(j)
			if p.Type == AsymmetricCircles {
				x = float64(2*j + i%2)
			}
			pts = append(pts, r3.Vector{X: x * p.Spacing, Y: float64(i) * p.Spacing})
		}
	}
	return pts
}

// latticePositions are ObjectPoints in units of Spacing, as integers.
func (p Pattern) latticePositions() [][2]int {
	pos := make([][2]int, 0, p.Size())
	for i := 0; i < p.Rows; i++ {
		for j := 0; j < p.Cols; j++ {
			x := j
			if p.Type == AsymmetricCircles {
				x = 2*j + i%2
			}
			pos = append(pos, [2]int{x, i})
		}
	}
	return pos
}

// View is one detection of a pattern: Points in canonical pattern order, plus the size of
// the image they were found in.
type View struct {
	Points []r2.Point
	Size   image.Point
}

// Clone returns a deep copy of v.
func (v View) Clone() View {
	return View{Points: append([]r2.Point(nil), v.Points...), Size: v.Size}
}
