package pattern

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/geom"
)

// project maps pattern object points into the image through h.
func project(p Pattern, h *mat.Dense) []r2.Point {
	var out []r2.Point
	for _, o := range p.ObjectPoints() {
		out = append(out, geom.ApplyHomography(h, r2.Point{X: o.X, Y: o.Y}))
	}
	return out
}

func shuffled(pts []r2.Point, seed int64) []r2.Point {
	out := append([]r2.Point(nil), pts...)
	rand.New(rand.NewSource(seed)).Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func samePoints(t *testing.T, got, want []r2.Point) {
	t.Helper()
	test.That(t, len(got), test.ShouldEqual, len(want))
	for i := range want {
		test.That(t, got[i].Sub(want[i]).Norm(), test.ShouldBeLessThan, 1e-9)
	}
}

func TestOrderGridSymmetric(t *testing.T) {
	p := Pattern{Type: SymmetricCircles, Rows: 5, Cols: 7, Spacing: 20}
	// slight rotation, scale and perspective
	angle := 0.2
	h := mat.NewDense(3, 3, []float64{
		1.5 * math.Cos(angle), -1.5 * math.Sin(angle), 200,
		1.5 * math.Sin(angle), 1.5 * math.Cos(angle), 120,
		0.0003, 0.0001, 1,
	})
	want := project(p, h)
	got, ok := orderGrid(p, shuffled(want, 1))
	test.That(t, ok, test.ShouldBeTrue)
	samePoints(t, got, want)
}

func TestOrderGridAsymmetric(t *testing.T) {
	p := Default()
	h := mat.NewDense(3, 3, []float64{
		1.8, 0.2, 250,
		-0.15, 1.9, 60,
		-0.0001, 0.0002, 1,
	})
	want := project(p, h)
	got, ok := orderGrid(p, shuffled(want, 2))
	test.That(t, ok, test.ShouldBeTrue)
	samePoints(t, got, want)
}

func TestOrderGridUpsideDown(t *testing.T) {
	p := Pattern{Type: SymmetricCircles, Rows: 4, Cols: 6, Spacing: 10}
	// board rotated by 180 degrees: the canonical first point is now bottom right, so the
	// ordering restarts from the top left corner of the image
	h := mat.NewDense(3, 3, []float64{
		-3, 0, 300,
		0, -3, 200,
		0, 0, 1,
	})
	pts := project(p, h)
	got, ok := orderGrid(p, shuffled(pts, 3))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got[0].Sub(pts[len(pts)-1]).Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, got[len(got)-1].Sub(pts[0]).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestOrderGridRejects(t *testing.T) {
	p := Pattern{Type: SymmetricCircles, Rows: 4, Cols: 5, Spacing: 10}
	h := mat.NewDense(3, 3, []float64{3, 0, 50, 0, 3, 50, 0, 0, 1})
	pts := project(p, h)

	// wrong count
	_, ok := orderGrid(p, pts[1:])
	test.That(t, ok, test.ShouldBeFalse)

	// right count but one point far away from the lattice
	broken := append([]r2.Point(nil), pts...)
	broken[7] = r2.Point{X: 1000, Y: 1000}
	_, ok = orderGrid(p, broken)
	test.That(t, ok, test.ShouldBeFalse)

	// a transposed pattern is the same board turned by 90 degrees
	other := Pattern{Type: SymmetricCircles, Rows: 5, Cols: 4, Spacing: 10}
	_, ok = orderGrid(other, pts)
	test.That(t, ok, test.ShouldBeTrue)

	// a 2x10 layout cannot be matched to 4x5
	line := Pattern{Type: SymmetricCircles, Rows: 2, Cols: 10, Spacing: 10}
	_, ok = orderGrid(p, project(line, h))
	test.That(t, ok, test.ShouldBeFalse)
}

func TestObjectPoints(t *testing.T) {
	asym := Pattern{Type: AsymmetricCircles, Rows: 3, Cols: 2, Spacing: 2}
	pts := asym.ObjectPoints()
	test.That(t, len(pts), test.ShouldEqual, 6)
	test.That(t, pts[1].X, test.ShouldEqual, 4.)
	test.That(t, pts[2].X, test.ShouldEqual, 2.)
	test.That(t, pts[2].Y, test.ShouldEqual, 2.)

	board := Pattern{Type: Chessboard, Rows: 2, Cols: 3, Spacing: 5}
	pts = board.ObjectPoints()
	test.That(t, pts[4].X, test.ShouldEqual, 5.)
	test.That(t, pts[4].Y, test.ShouldEqual, 5.)
	test.That(t, pts[4].Z, test.ShouldEqual, 0.)
}

func TestPatternValidate(t *testing.T) {
	test.That(t, Default().Validate(), test.ShouldBeNil)
	test.That(t, Pattern{Type: Chessboard, Rows: 1, Cols: 9, Spacing: 1}.Validate(), test.ShouldNotBeNil)
	test.That(t, Pattern{Type: Chessboard, Rows: 4, Cols: 4, Spacing: 0}.Validate(), test.ShouldNotBeNil)
	test.That(t, Pattern{Type: "hexagons", Rows: 4, Cols: 4, Spacing: 1}.Validate(), test.ShouldNotBeNil)

	typ, err := ParseType("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, typ, test.ShouldEqual, AsymmetricCircles)
	_, err = ParseType("triangles")
	test.That(t, err, test.ShouldNotBeNil)
}
