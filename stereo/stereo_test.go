package stereo_test

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/calib"
	"viamstereocalib/calib/calibtest"
	"viamstereocalib/geom"
	"viamstereocalib/pattern"
	"viamstereocalib/stereo"
)

var (
	rigRotation    = r3.Vector{Y: 0.02, Z: -0.01}
	rigTranslation = r3.Vector{X: -60, Y: 0.5, Z: 1}
)

func toRight(x r3.Vector) r3.Vector {
	return geom.MulVec(geom.RotationFromVector(rigRotation), x).Add(rigTranslation)
}

func lockstepViews(n int) (pattern.Pattern, []pattern.View, []pattern.View) {
	p := pattern.Default()
	poses := calibtest.Poses(p, n)
	cam := calibtest.Camera()
	return p, calibtest.Views(cam, p, poses, nil), calibtest.Views(cam, p, poses, toRight)
}

func TestSolverScenario(t *testing.T) {
	logger := logging.NewTestLogger(t)
	p, left, right := lockstepViews(11)

	a, err := calib.NewCalibrator(p, nil, calib.DefaultConfig(), logger.Sublogger("left"))
	test.That(t, err, test.ShouldBeNil)
	b, err := calib.NewCalibrator(p, nil, calib.DefaultConfig(), logger.Sublogger("right"))
	test.That(t, err, test.ShouldBeNil)
	solver := stereo.NewSolver(stereo.DefaultConfig(), logger)

	for i := range left {
		test.That(t, a.AddObservation(left[i]), test.ShouldBeTrue)
		test.That(t, b.AddObservation(right[i]), test.ShouldBeTrue)
		pose, ok := solver.Solve(a, b)
		if i < 10 {
			test.That(t, ok, test.ShouldBeFalse)
			test.That(t, pose, test.ShouldBeNil)
		}
	}
	test.That(t, a.Ready(), test.ShouldBeTrue)
	test.That(t, b.Ready(), test.ShouldBeTrue)

	pose, ok := solver.Solve(a, b)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Baseline(), test.ShouldAlmostEqual, rigTranslation.Norm(), 0.5)
	test.That(t, pose.Translation.X, test.ShouldAlmostEqual, rigTranslation.X, 0.5)
	test.That(t, mat.EqualApprox(pose.Rotation, geom.RotationFromVector(rigRotation), 1e-3), test.ShouldBeTrue)
	test.That(t, pose.RMS, test.ShouldBeLessThan, 0.01)
	test.That(t, pose.Validate(), test.ShouldBeNil)

	// an extra view on one side only breaks the lockstep
	test.That(t, a.AddObservation(left[0]), test.ShouldBeTrue)
	_, ok = solver.Solve(a, b)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSolverNotReady(t *testing.T) {
	logger := logging.NewTestLogger(t)
	p, left, right := lockstepViews(3)
	a, err := calib.NewCalibrator(p, nil, calib.DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	b, err := calib.NewCalibrator(p, nil, calib.DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	for i := range left {
		a.AddObservation(left[i])
		b.AddObservation(right[i])
	}
	solver := stereo.NewSolver(stereo.DefaultConfig(), logger)
	_, ok := solver.Solve(a, b)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = solver.Solve(nil, b)
	test.That(t, ok, test.ShouldBeFalse)

	// models set directly make both Ready, but the views alone still have to agree
	test.That(t, a.SetModel(calibtest.Camera()), test.ShouldBeNil)
	test.That(t, b.SetModel(calibtest.Camera()), test.ShouldBeNil)
	pose, ok := solver.Solve(a, b)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Baseline(), test.ShouldAlmostEqual, rigTranslation.Norm(), 0.5)
}

func TestSolvePoseErrors(t *testing.T) {
	p, left, right := lockstepViews(2)
	cam := calibtest.Camera()
	_, err := stereo.SolvePose(p, cam, cam, left, right[:1], stereo.DefaultConfig())
	test.That(t, err, test.ShouldNotBeNil)
	_, err = stereo.SolvePose(p, cam, &calib.Model{}, left, right, stereo.DefaultConfig())
	test.That(t, err, test.ShouldNotBeNil)
	_, err = stereo.SolvePose(p, cam, cam, nil, nil, stereo.DefaultConfig())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPoseValidate(t *testing.T) {
	var nilPose *stereo.Pose
	test.That(t, nilPose.Validate(), test.ShouldNotBeNil)

	pose := &stereo.Pose{Rotation: geom.Eye(3), Translation: r3.Vector{X: -60}}
	test.That(t, pose.Validate(), test.ShouldBeNil)
	test.That(t, pose.Baseline(), test.ShouldEqual, 60.)

	clone := pose.Clone()
	clone.Rotation.Set(0, 0, 2)
	test.That(t, clone.Validate(), test.ShouldNotBeNil)
	test.That(t, pose.Validate(), test.ShouldBeNil)

	zero := &stereo.Pose{Rotation: geom.Eye(3)}
	test.That(t, zero.Validate(), test.ShouldNotBeNil)
	wrong := &stereo.Pose{Rotation: mat.NewDense(2, 2, nil), Translation: r3.Vector{X: 1}}
	test.That(t, wrong.Validate(), test.ShouldNotBeNil)
}
