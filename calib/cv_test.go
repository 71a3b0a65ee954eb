package calib

import (
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/geom"
	"viamstereocalib/pattern"
)

// camera and boardPoses mirror the calibtest helpers, which cannot be imported from an
// internal test.
func camera(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(image.Pt(640, 480), 520, 515, 325, 236, []float64{-0.15, 0.04, 0.001, -0.0008})
	test.That(t, err, test.ShouldBeNil)
	return m
}

func boardPoses() []BoardPose {
	tilts := []r3.Vector{
		{X: 0.3}, {X: -0.3}, {Y: 0.3}, {Y: -0.3},
		{X: 0.2, Y: 0.2, Z: 0.1}, {X: -0.2, Y: 0.25, Z: -0.1},
		{X: 0.25, Y: -0.2, Z: 0.05}, {X: -0.2, Y: -0.2},
	}
	poses := make([]BoardPose, len(tilts))
	for i, r := range tilts {
		poses[i] = BoardPose{
			Rotation:    r,
			Translation: r3.Vector{X: float64(i%3-1)*15 - 40, Y: float64(i%2)*20 - 30, Z: 380 + float64(i%5)*25},
		}
	}
	return poses
}

func project(m *Model, p pattern.Pattern, poses []BoardPose) []pattern.View {
	views := make([]pattern.View, len(poses))
	for i, pose := range poses {
		views[i].Size = m.Size()
		for _, o := range p.ObjectPoints() {
			views[i].Points = append(views[i].Points, m.Project(pose.Transform(o)))
		}
	}
	return views
}

func TestCalibrateCamera(t *testing.T) {
	p := pattern.Default()
	truth := camera(t)
	views := project(truth, p, boardPoses())

	got, err := calibrateCamera(p.ObjectPoints(), views, truth.Size(), true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Intrinsics.Fx, test.ShouldAlmostEqual, truth.Intrinsics.Fx, 1)
	test.That(t, got.Intrinsics.Ppx, test.ShouldAlmostEqual, truth.Intrinsics.Ppx, 1)
	test.That(t, got.Distortion.RadialK1, test.ShouldAlmostEqual, truth.Distortion.RadialK1, 0.01)
	test.That(t, got.Distortion.RadialK3, test.ShouldEqual, 0.)

	closed, err := initialModel(p.ObjectPoints(), views, truth.Size())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, closed.Intrinsics.Fx, test.ShouldBeBetween, 400., 650.)
}

func TestInitialPoses(t *testing.T) {
	p := pattern.Default()
	m := camera(t)
	poses := boardPoses()[:3]
	for i, v := range project(m, p, poses) {
		pnp, ok := solvePnP(m, p.ObjectPoints(), v.Points)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, pnp.Rotation.Sub(poses[i].Rotation).Norm(), test.ShouldBeLessThan, 1e-3)
		test.That(t, pnp.Translation.Sub(poses[i].Translation).Norm(), test.ShouldBeLessThan, 0.1)

		h, err := homographyPose(m, p.ObjectPoints(), v.Points)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, h.Rotation.Sub(poses[i].Rotation).Norm(), test.ShouldBeLessThan, 1e-3)
		test.That(t, h.Translation.Sub(poses[i].Translation).Norm(), test.ShouldBeLessThan, 0.1)
	}
}

func TestRectifyMap(t *testing.T) {
	ideal, err := NewModel(image.Pt(64, 48), 50, 50, 32, 24, nil)
	test.That(t, err, test.ShouldBeNil)
	m, err := ideal.UndistortMap()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Size(), test.ShouldResemble, image.Pt(64, 48))
	for _, uv := range []image.Point{{0, 0}, {10, 40}, {63, 47}} {
		x, y := m.At(uv.X, uv.Y)
		test.That(t, x, test.ShouldAlmostEqual, uv.X, 1e-3)
		test.That(t, y, test.ShouldAlmostEqual, uv.Y, 1e-3)
	}

	// the source of a rectified pixel projects back onto it
	cam := camera(t)
	rot := geom.RotationFromVector(r3.Vector{Y: 0.05, Z: -0.02})
	newK := mat.NewDense(3, 4, []float64{480, 0, 320, -20, 0, 480, 240, 0, 0, 0, 1, 0})
	rm, err := cam.RectifyMap(rot, newK)
	test.That(t, err, test.ShouldBeNil)
	x, y := rm.At(200, 300)
	n := cam.Normalize(r2.Point{X: float64(x), Y: float64(y)})
	back := geom.MulVec(rot, r3.Vector{X: n.X, Y: n.Y, Z: 1})
	test.That(t, 480*back.X/back.Z+320, test.ShouldAlmostEqual, 200, 1e-2)
	test.That(t, 480*back.Y/back.Z+240, test.ShouldAlmostEqual, 300, 1e-2)

	_, err = cam.RectifyMap(rot, mat.NewDense(2, 2, nil))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = cam.RectifyMap(rot, mat.NewDense(3, 3, nil))
	test.That(t, err, test.ShouldNotBeNil)
}
