// Package calib solves single camera intrinsics and lens distortion from views of a
// calibration pattern.
package calib

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/rimage/transform"

	"viamstereocalib/geom"
	"viamstereocalib/remap"
)

// undistortIterations bounds the fixed point iteration that inverts the lens model.
const undistortIterations = 20

// Model is a solved camera: pinhole intrinsics for one image size plus Brown-Conrady lens
// distortion. RMS is the reprojection error of the solve that produced it, in pixels.
type Model struct {
	Intrinsics transform.PinholeCameraIntrinsics
	Distortion transform.BrownConrady
	RMS        float64
}

// NewModel builds a Model from a camera matrix layout and distortion coefficients in the
// usual k1, k2, p1, p2, k3 order. Missing trailing coefficients are zero.
func NewModel(size image.Point, fx, fy, cx, cy float64, coeffs []float64) (*Model, error) {
	if len(coeffs) > 5 {
		return nil, errors.Errorf("expected at most 5 distortion coefficients, got %d", len(coeffs))
	}
	c := make([]float64, 5)
	copy(c, coeffs)
	m := &Model{
		Intrinsics: transform.PinholeCameraIntrinsics{
			Width:  size.X,
			Height: size.Y,
			Fx:     fx,
			Fy:     fy,
			Ppx:    cx,
			Ppy:    cy,
		},
		Distortion: transform.BrownConrady{
			RadialK1:     c[0],
			RadialK2:     c[1],
			TangentialP1: c[2],
			TangentialP2: c[3],
			RadialK3:     c[4],
		},
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that the model describes a usable camera.
func (m *Model) Validate() error {
	if m == nil {
		return errors.New("camera model is nil")
	}
	if err := m.Intrinsics.CheckValid(); err != nil {
		return err
	}
	in := m.Intrinsics
	if in.Width <= 0 || in.Height <= 0 {
		return errors.Errorf("invalid image size %dx%d", in.Width, in.Height)
	}
	if !(in.Fx > 0) || !(in.Fy > 0) || math.IsInf(in.Fx, 0) || math.IsInf(in.Fy, 0) {
		return errors.Errorf("invalid focal lengths fx=%v fy=%v", in.Fx, in.Fy)
	}
	for _, v := range append([]float64{in.Ppx, in.Ppy}, m.Coefficients()...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("camera model has non finite parameters")
		}
	}
	return nil
}

// Size is the image size the model was solved for.
func (m *Model) Size() image.Point {
	return image.Pt(m.Intrinsics.Width, m.Intrinsics.Height)
}

// Coefficients returns the distortion as k1, k2, p1, p2, k3.
func (m *Model) Coefficients() []float64 {
	d := m.Distortion
	return []float64{d.RadialK1, d.RadialK2, d.TangentialP1, d.TangentialP2, d.RadialK3}
}

// CameraMatrix is the 3x3 intrinsic matrix K.
func (m *Model) CameraMatrix() *mat.Dense {
	in := m.Intrinsics
	return mat.NewDense(3, 3, []float64{
		in.Fx, 0, in.Ppx,
		0, in.Fy, in.Ppy,
		0, 0, 1,
	})
}

// Distort applies the lens model to normalised image coordinates.
func (m *Model) Distort(x, y float64) (float64, float64) {
	d := m.Distortion
	return d.Transform(x, y)
}

// Project maps a point in the camera frame to pixel coordinates.
func (m *Model) Project(p r3.Vector) r2.Point {
	x, y := m.Distort(p.X/p.Z, p.Y/p.Z)
	return r2.Point{
		X: m.Intrinsics.Fx*x + m.Intrinsics.Ppx,
		Y: m.Intrinsics.Fy*y + m.Intrinsics.Ppy,
	}
}

// Normalize maps a pixel to undistorted normalised image coordinates, inverting the lens
// model by fixed point iteration.
func (m *Model) Normalize(p r2.Point) r2.Point {
	in, d := m.Intrinsics, m.Distortion
	x0 := (p.X - in.Ppx) / in.Fx
	y0 := (p.Y - in.Ppy) / in.Fy
	x, y := x0, y0
	for i := 0; i < undistortIterations; i++ {
		rsq := x*x + y*y
		radial := 1 + rsq*(d.RadialK1+rsq*(d.RadialK2+rsq*d.RadialK3))
		if radial == 0 {
			break
		}
		dx := 2*d.TangentialP1*x*y + d.TangentialP2*(rsq+2*x*x)
		dy := d.TangentialP1*(rsq+2*y*y) + 2*d.TangentialP2*x*y
		x = (x0 - dx) / radial
		y = (y0 - dy) / radial
	}
	return r2.Point{X: x, Y: y}
}

// UndistortMap builds the lens correction map: every output pixel looks up the distorted
// source pixel that the same camera matrix would see without distortion.
func (m *Model) UndistortMap() (*remap.Map, error) {
	return m.RectifyMap(geom.Eye(3), m.CameraMatrix())
}
