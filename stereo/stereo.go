// Package stereo solves the rigid transform between two calibrated cameras that watched
// the same pattern views.
package stereo

import (
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/calib"
	"viamstereocalib/geom"
	"viamstereocalib/pattern"
)

// Pose maps points from the first (left) camera frame into the second (right):
// X_right = Rotation·X_left + Translation. Translation is in pattern spacing units.
type Pose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
	// RMS is the reprojection error of the solve over both cameras.
	RMS float64
}

// Validate checks that Rotation is a proper 3x3 rotation and the baseline is not zero.
func (p *Pose) Validate() error {
	if p == nil || p.Rotation == nil {
		return errors.New("stereo pose is not set")
	}
	if r, c := p.Rotation.Dims(); r != 3 || c != 3 {
		return errors.Errorf("rotation must be 3x3, got %dx%d", r, c)
	}
	var rtr mat.Dense
	rtr.Mul(p.Rotation.T(), p.Rotation)
	if !mat.EqualApprox(&rtr, geom.Eye(3), 1e-6) || mat.Det(p.Rotation) < 0 {
		return errors.New("rotation is not orthonormal")
	}
	if p.Baseline() == 0 {
		return errors.New("stereo baseline is zero")
	}
	return nil
}

// Baseline is the distance between the two optical centres.
func (p *Pose) Baseline() float64 {
	return p.Translation.Norm()
}

// Clone returns a deep copy.
func (p *Pose) Clone() *Pose {
	return &Pose{Rotation: mat.DenseCopyOf(p.Rotation), Translation: p.Translation, RMS: p.RMS}
}

// Config tunes the stereo solve.
type Config struct {
	// MaxRMS rejects solutions with a larger reprojection error in pixels. Zero disables
	// the check.
	MaxRMS        float64
	MaxIterations int
}

// DefaultConfig rejects solutions worse than 2 pixels.
func DefaultConfig() Config {
	return Config{MaxRMS: 2}
}

// Solver wraps SolvePose with the readiness checks of interactive capture.
type Solver struct {
	cfg    Config
	logger logging.Logger
}

// NewSolver returns a Solver.
func NewSolver(cfg Config, logger logging.Logger) *Solver {
	return &Solver{cfg: cfg, logger: logger}
}

// Solve computes the pose between the cameras of a and b from their accumulated views,
// which must have been captured in lockstep. Anything short of two Ready calibrators with
// matching views is "not yet", reported as false.
func (s *Solver) Solve(a, b *calib.Calibrator) (*Pose, bool) {
	if a == nil || b == nil || !a.Ready() || !b.Ready() {
		return nil, false
	}
	if a.Len() != b.Len() || a.Len() == 0 {
		s.logger.Debugf("view counts differ or are empty (%d, %d)", a.Len(), b.Len())
		return nil, false
	}
	if a.Pattern().Size() != b.Pattern().Size() {
		s.logger.Warn("calibrators use different patterns")
		return nil, false
	}
	pose, err := SolvePose(a.Pattern(), a.Model(), b.Model(), a.Views(), b.Views(), s.cfg)
	if err != nil {
		s.logger.Debugf("stereo solve failed: %v", err)
		return nil, false
	}
	s.logger.Infof("stereo pose solved from %d views, baseline %.2f, rms %.3fpx", a.Len(), pose.Baseline(), pose.RMS)
	return pose, true
}

// SolvePose estimates the pose of the right camera relative to the left with both camera
// models held fixed. Each view pair gives an estimate of the relative pose; their
// component-wise median seeds a joint refinement of the relative pose and the left board
// poses.
func SolvePose(p pattern.Pattern, left, right *calib.Model, leftViews, rightViews []pattern.View, cfg Config) (*Pose, error) {
	if err := left.Validate(); err != nil {
		return nil, errors.Wrap(err, "left model")
	}
	if err := right.Validate(); err != nil {
		return nil, errors.Wrap(err, "right model")
	}
	n := len(leftViews)
	if n == 0 || n != len(rightViews) {
		return nil, errors.Errorf("need matching view lists, got %d and %d", n, len(rightViews))
	}
	obj := p.ObjectPoints()
	for i := 0; i < n; i++ {
		if len(leftViews[i].Points) != len(obj) || len(rightViews[i].Points) != len(obj) {
			return nil, errors.Errorf("view %d does not have %d points in both cameras", i, len(obj))
		}
	}

	leftPoses := make([]calib.BoardPose, n)
	var rx, ry, rz, tx, ty, tz []float64
	for i := 0; i < n; i++ {
		l, err := calib.EstimatePose(left, obj, leftViews[i].Points)
		if err != nil {
			return nil, errors.Wrapf(err, "left pose of view %d", i)
		}
		r, err := calib.EstimatePose(right, obj, rightViews[i].Points)
		if err != nil {
			return nil, errors.Wrapf(err, "right pose of view %d", i)
		}
		leftPoses[i] = l

		rl := geom.RotationFromVector(l.Rotation)
		rr := geom.RotationFromVector(r.Rotation)
		rel := geom.Compose(rr, rl.T())
		rvec, err := geom.VectorFromRotation(rel)
		if err != nil {
			return nil, err
		}
		t := r.Translation.Sub(geom.MulVec(rel, l.Translation))
		rx, ry, rz = append(rx, rvec.X), append(ry, rvec.Y), append(rz, rvec.Z)
		tx, ty, tz = append(tx, t.X), append(ty, t.Y), append(tz, t.Z)
	}

	x0 := make([]float64, 0, 6+6*n)
	for _, c := range [][]float64{rx, ry, rz, tx, ty, tz} {
		med, err := stats.Median(c)
		if err != nil {
			return nil, err
		}
		x0 = append(x0, med)
	}
	for _, l := range leftPoses {
		x0 = append(x0, l.Rotation.X, l.Rotation.Y, l.Rotation.Z, l.Translation.X, l.Translation.Y, l.Translation.Z)
	}

	numPoints := len(obj)
	problem := geom.Problem{
		NumResiduals: 4 * numPoints * n,
		Residuals: func(dst, x []float64) {
			rel := geom.RotationFromVector(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
			t := r3.Vector{X: x[3], Y: x[4], Z: x[5]}
			for i := 0; i < n; i++ {
				off := 6 + 6*i
				rl := geom.RotationFromVector(r3.Vector{X: x[off], Y: x[off+1], Z: x[off+2]})
				tl := r3.Vector{X: x[off+3], Y: x[off+4], Z: x[off+5]}
				out := dst[4*numPoints*i:]
				for j, o := range obj {
					xl := geom.MulVec(rl, o).Add(tl)
					xr := geom.MulVec(rel, xl).Add(t)
					pl := left.Project(xl)
					pr := right.Project(xr)
					out[4*j] = pl.X - leftViews[i].Points[j].X
					out[4*j+1] = pl.Y - leftViews[i].Points[j].Y
					out[4*j+2] = pr.X - rightViews[i].Points[j].X
					out[4*j+3] = pr.Y - rightViews[i].Points[j].Y
				}
			}
		},
	}
	settings := geom.DefaultSettings()
	if cfg.MaxIterations > 0 {
		settings.MaxIterations = cfg.MaxIterations
	}
	res, err := geom.LevenbergMarquardt(problem, x0, settings)
	if err != nil {
		return nil, errors.Wrap(err, "refining stereo pose")
	}
	if !res.Converged {
		return nil, errors.Errorf("stereo pose did not converge after %d iterations", res.Iterations)
	}

	pose := &Pose{
		Rotation:    geom.RotationFromVector(r3.Vector{X: res.Params[0], Y: res.Params[1], Z: res.Params[2]}),
		Translation: r3.Vector{X: res.Params[3], Y: res.Params[4], Z: res.Params[5]},
		RMS:         res.RMS(problem.NumResiduals),
	}
	if err := pose.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRMS > 0 && pose.RMS > cfg.MaxRMS {
		return nil, errors.Errorf("stereo reprojection error %.3fpx exceeds %.3fpx", pose.RMS, cfg.MaxRMS)
	}
	return pose, nil
}
