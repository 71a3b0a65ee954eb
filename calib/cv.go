package calib

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/pattern"
	"viamstereocalib/remap"
)

// denseToMat copies a gonum matrix into a new CV_64F Mat. The caller closes it.
func denseToMat(m mat.Matrix) gocv.Mat {
	r, c := m.Dims()
	out := gocv.NewMatWithSize(r, c, gocv.MatTypeCV64F)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.SetDoubleAt(i, j, m.At(i, j))
		}
	}
	return out
}

func (m *Model) distortionMat() gocv.Mat {
	return denseToMat(mat.NewDense(1, 5, m.Coefficients()))
}

func point3fs(obj []r3.Vector) []gocv.Point3f {
	out := make([]gocv.Point3f, len(obj))
	for i, o := range obj {
		out[i] = gocv.NewPoint3f(float32(o.X), float32(o.Y), float32(o.Z))
	}
	return out
}

func point2fs(pts []r2.Point) []gocv.Point2f {
	out := make([]gocv.Point2f, len(pts))
	for i, p := range pts {
		out[i] = gocv.NewPoint2f(float32(p.X), float32(p.Y))
	}
	return out
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// calibrateCamera runs OpenCV's calibration over all views. It is the starting point for
// the joint refinement in Solve.
func calibrateCamera(obj []r3.Vector, views []pattern.View, size image.Point, fixK3 bool) (*Model, error) {
	objPts := make([][]gocv.Point3f, len(views))
	imgPts := make([][]gocv.Point2f, len(views))
	for i, v := range views {
		objPts[i] = point3fs(obj)
		imgPts[i] = point2fs(v.Points)
	}
	objVec := gocv.NewPoints3fVectorFromPoints(objPts)
	defer objVec.Close()
	imgVec := gocv.NewPoints2fVectorFromPoints(imgPts)
	defer imgVec.Close()

	k := gocv.NewMat()
	defer k.Close()
	dist := gocv.NewMat()
	defer dist.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	var flags gocv.CalibFlag
	if fixK3 {
		flags |= gocv.CalibFixK3
	}
	rms := gocv.CalibrateCamera(objVec, imgVec, size, &k, &dist, &rvecs, &tvecs, flags)
	if k.Rows() != 3 || k.Cols() != 3 || dist.Total() < 4 || !finite(rms) {
		return nil, errors.New("opencv calibration produced no camera matrix")
	}
	coeffs, err := dist.DataPtrFloat64()
	if err != nil {
		return nil, err
	}
	coeffs = append([]float64(nil), coeffs[:min(len(coeffs), 5)]...)
	fx, fy, cx, cy := k.GetDoubleAt(0, 0), k.GetDoubleAt(1, 1), k.GetDoubleAt(0, 2), k.GetDoubleAt(1, 2)
	if !finite(append([]float64{fx, fy, cx, cy}, coeffs...)...) {
		return nil, errors.New("opencv calibration diverged")
	}
	return NewModel(size, fx, fy, cx, cy, coeffs)
}

// solvePnP finds the board pose with OpenCV's iterative PnP. ok is false when OpenCV
// cannot produce one.
func solvePnP(m *Model, obj []r3.Vector, img []r2.Point) (BoardPose, bool) {
	objVec := gocv.NewPoint3fVectorFromPoints(point3fs(obj))
	defer objVec.Close()
	imgVec := gocv.NewPoint2fVectorFromPoints(point2fs(img))
	defer imgVec.Close()
	k := denseToMat(m.CameraMatrix())
	defer k.Close()
	dist := m.distortionMat()
	defer dist.Close()

	rvec := gocv.NewMat()
	defer rvec.Close()
	tvec := gocv.NewMat()
	defer tvec.Close()
	if !gocv.SolvePnP(objVec, imgVec, k, dist, &rvec, &tvec, false, 0) {
		return BoardPose{}, false
	}
	if rvec.Total() != 3 || tvec.Total() != 3 {
		return BoardPose{}, false
	}
	r, err := rvec.DataPtrFloat64()
	if err != nil {
		return BoardPose{}, false
	}
	t, err := tvec.DataPtrFloat64()
	if err != nil {
		return BoardPose{}, false
	}
	pose := BoardPose{
		Rotation:    r3.Vector{X: r[0], Y: r[1], Z: r[2]},
		Translation: r3.Vector{X: t[0], Y: t[1], Z: t[2]},
	}
	if !finite(pose.params()...) || pose.Translation.Z <= 0 {
		return BoardPose{}, false
	}
	return pose, true
}

// RectifyMap builds the table that samples the raw image of this camera for every pixel of
// a camera rotated by rot with intrinsics newK (3x3, or a 3x4 projection whose first three
// columns are used).
func (m *Model) RectifyMap(rot, newK mat.Matrix) (*remap.Map, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if r, c := newK.Dims(); r != 3 || c < 3 {
		return nil, errors.Errorf("new camera matrix is %dx%d, want 3x3 or 3x4", r, c)
	}
	if r, c := rot.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("rotation is %dx%d, want 3x3", r, c)
	}
	var kr mat.Dense
	kr.Mul(mat.DenseCopyOf(newK).Slice(0, 3, 0, 3), rot)
	if math.Abs(mat.Det(&kr)) < 1e-12 {
		return nil, errors.New("rectified projection is singular")
	}

	k := denseToMat(m.CameraMatrix())
	defer k.Close()
	dist := m.distortionMat()
	defer dist.Close()
	r := denseToMat(rot)
	defer r.Close()
	p := denseToMat(mat.DenseCopyOf(newK).Slice(0, 3, 0, 3))
	defer p.Close()

	mapX := gocv.NewMat()
	defer mapX.Close()
	mapY := gocv.NewMat()
	defer mapY.Close()
	size := m.Size()
	gocv.InitUndistortRectifyMap(k, dist, r, p, size, int(gocv.MatTypeCV32FC1), mapX, mapY)

	xs, err := mapX.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "reading x map")
	}
	ys, err := mapY.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "reading y map")
	}
	out := &remap.Map{
		Width:  size.X,
		Height: size.Y,
		X:      append([]float32(nil), xs...),
		Y:      append([]float32(nil), ys...),
	}
	if err := out.Validate(); err != nil {
		return nil, errors.Wrap(err, "opencv map")
	}
	return out, nil
}
