package calib

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/geom"
	"viamstereocalib/pattern"
)

// number of intrinsic parameters in the optimisation vector, without and with k3
const (
	numIntrinsics   = 8
	numIntrinsicsK3 = 9
	numPoseParams   = 6
)

// Solution is the outcome of a successful Solve.
type Solution struct {
	Model *Model
	// Poses holds the board pose of every view, in view order.
	Poses []BoardPose
}

// Solve estimates intrinsics and distortion for views of p. OpenCV's calibration gives the
// starting point, or a closed form focal length estimate when it has none, then all
// intrinsics and board poses are refined jointly.
func Solve(p pattern.Pattern, views []pattern.View, cfg Config) (*Solution, error) {
	if len(views) < 2 {
		return nil, errors.Errorf("need at least 2 views to calibrate, got %d", len(views))
	}
	size := views[0].Size
	for i, v := range views {
		if len(v.Points) != p.Size() {
			return nil, errors.Errorf("view %d has %d points, pattern has %d", i, len(v.Points), p.Size())
		}
		if v.Size != size {
			return nil, errors.Errorf("view %d is %v, expected %v", i, v.Size, size)
		}
	}
	obj := p.ObjectPoints()

	initial, err := calibrateCamera(obj, views, size, cfg.FixK3)
	if err != nil {
		if initial, err = initialModel(obj, views, size); err != nil {
			return nil, err
		}
	}
	poses := make([]BoardPose, len(views))
	for i, v := range views {
		if poses[i], err = EstimatePose(initial, obj, v.Points); err != nil {
			return nil, errors.Wrapf(err, "initial pose of view %d", i)
		}
	}

	ni := numIntrinsics
	if !cfg.FixK3 {
		ni = numIntrinsicsK3
	}
	x0 := make([]float64, ni, ni+numPoseParams*len(views))
	in, d := initial.Intrinsics, initial.Distortion
	copy(x0, []float64{in.Fx, in.Fy, in.Ppx, in.Ppy, d.RadialK1, d.RadialK2, d.TangentialP1, d.TangentialP2})
	if ni == numIntrinsicsK3 {
		x0[8] = d.RadialK3
	}
	for _, pose := range poses {
		x0 = append(x0, pose.params()...)
	}

	numPoints := len(obj)
	problem := geom.Problem{
		NumResiduals: 2 * numPoints * len(views),
		Residuals: func(dst, x []float64) {
			m := modelFromParams(size, x[:ni])
			for i, v := range views {
				off := ni + numPoseParams*i
				pose := boardPoseFromParams(x[off : off+numPoseParams])
				projectBoard(dst[2*numPoints*i:2*numPoints*(i+1)], m, pose, obj, v.Points)
			}
		},
	}
	settings := geom.DefaultSettings()
	if cfg.MaxIterations > 0 {
		settings.MaxIterations = cfg.MaxIterations
	}
	res, err := geom.LevenbergMarquardt(problem, x0, settings)
	if err != nil {
		return nil, errors.Wrap(err, "refining intrinsics")
	}
	if !res.Converged {
		return nil, errors.Errorf("intrinsics did not converge after %d iterations", res.Iterations)
	}

	model := modelFromParams(size, res.Params[:ni])
	model.RMS = res.RMS(problem.NumResiduals)
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if in := model.Intrinsics; in.Ppx < 0 || in.Ppy < 0 || in.Ppx >= float64(size.X) || in.Ppy >= float64(size.Y) {
		return nil, errors.Errorf("principal point (%.1f, %.1f) is outside the image", in.Ppx, in.Ppy)
	}
	if cfg.MaxRMS > 0 && model.RMS > cfg.MaxRMS {
		return nil, errors.Errorf("reprojection error %.3fpx exceeds %.3fpx", model.RMS, cfg.MaxRMS)
	}

	sol := &Solution{Model: model, Poses: make([]BoardPose, len(views))}
	for i := range views {
		off := ni + numPoseParams*i
		sol.Poses[i] = boardPoseFromParams(res.Params[off : off+numPoseParams])
	}
	return sol, nil
}

// modelFromParams unpacks fx, fy, cx, cy, k1, k2, p1, p2 and optionally k3.
func modelFromParams(size image.Point, x []float64) *Model {
	m := &Model{}
	m.Intrinsics.Width, m.Intrinsics.Height = size.X, size.Y
	m.Intrinsics.Fx, m.Intrinsics.Fy = x[0], x[1]
	m.Intrinsics.Ppx, m.Intrinsics.Ppy = x[2], x[3]
	m.Distortion.RadialK1, m.Distortion.RadialK2 = x[4], x[5]
	m.Distortion.TangentialP1, m.Distortion.TangentialP2 = x[6], x[7]
	if len(x) > numIntrinsics {
		m.Distortion.RadialK3 = x[8]
	}
	return m
}

// initialModel fixes the principal point at the image centre and solves the two
// orthogonality constraints of every view homography for 1/fx² and 1/fy².
func initialModel(obj []r3.Vector, views []pattern.View, size image.Point) (*Model, error) {
	cx := float64(size.X-1) / 2
	cy := float64(size.Y-1) / 2
	planar := make([]r2.Point, len(obj))
	for i, o := range obj {
		planar[i] = r2.Point{X: o.X, Y: o.Y}
	}

	a := mat.NewDense(2*len(views), 2, nil)
	b := mat.NewVecDense(2*len(views), nil)
	for i, v := range views {
		centred := make([]r2.Point, len(v.Points))
		for j, pt := range v.Points {
			centred[j] = r2.Point{X: pt.X - cx, Y: pt.Y - cy}
		}
		h, err := geom.Homography(planar, centred)
		if err != nil {
			return nil, errors.Wrapf(err, "homography of view %d", i)
		}
		h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
		h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
		a.SetRow(2*i, []float64{h1.X * h2.X, h1.Y * h2.Y})
		b.SetVec(2*i, -h1.Z*h2.Z)
		a.SetRow(2*i+1, []float64{h1.X*h1.X - h2.X*h2.X, h1.Y*h1.Y - h2.Y*h2.Y})
		b.SetVec(2*i+1, -(h1.Z*h1.Z - h2.Z*h2.Z))
	}

	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return nil, errors.Wrap(err, "solving for focal lengths")
	}
	invFx2, invFy2 := f.AtVec(0), f.AtVec(1)
	if !(invFx2 > 0) || !(invFy2 > 0) {
		// views too close to fronto-parallel to constrain the focal length
		fallback := float64(max(size.X, size.Y))
		invFx2, invFy2 = 1/(fallback*fallback), 1/(fallback*fallback)
	}
	return NewModel(size, 1/math.Sqrt(invFx2), 1/math.Sqrt(invFy2), cx, cy, nil)
}
