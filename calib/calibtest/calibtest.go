// Package calibtest generates synthetic calibration views with known geometry for tests.
package calibtest

import (
	"image"

	"github.com/golang/geo/r3"

	"viamstereocalib/calib"
	"viamstereocalib/geom"
	"viamstereocalib/pattern"
)

// Size is the image size of the synthetic camera.
var Size = image.Pt(640, 480)

// Camera is an ideal 640x480 camera with fx=fy=500 and the principal point at the centre.
func Camera() *calib.Model {
	m, err := calib.NewModel(Size, 500, 500, 320, 240, nil)
	if err != nil {
		panic(err)
	}
	return m
}

// DistortedCamera is Camera with moderate barrel distortion and a slightly offset principal point.
func DistortedCamera() *calib.Model {
	m, err := calib.NewModel(Size, 520, 515, 325, 236, []float64{-0.15, 0.04, 0.001, -0.0008})
	if err != nil {
		panic(err)
	}
	return m
}

var tilts = []r3.Vector{
	{X: 0.3}, {X: -0.3}, {Y: 0.3}, {Y: -0.3},
	{X: 0.2, Y: 0.2, Z: 0.1}, {X: -0.2, Y: 0.25, Z: -0.1},
	{X: 0.25, Y: -0.2, Z: 0.05}, {X: -0.2, Y: -0.2},
	{X: 0.1, Y: 0.35, Z: 0.2}, {X: 0.35, Y: 0.1, Z: -0.2},
	{X: -0.1, Y: -0.3, Z: 0.3}, {X: 0.15, Y: -0.1, Z: -0.3},
	{X: -0.25, Y: 0.05, Z: 0.15}, {X: 0.05, Y: 0.25, Z: -0.05},
}

// Poses returns n board poses (at most 14) that keep the whole of p in view of Camera, each
// tilted differently so the focal length is observable.
func Poses(p pattern.Pattern, n int) []calib.BoardPose {
	obj := p.ObjectPoints()
	var centre r3.Vector
	for _, o := range obj {
		centre = centre.Add(o)
	}
	centre = centre.Mul(1 / float64(len(obj)))

	poses := make([]calib.BoardPose, 0, n)
	for i := 0; i < n && i < len(tilts); i++ {
		rot := geom.RotationFromVector(tilts[i])
		target := r3.Vector{
			X: float64(i%3-1) * 15,
			Y: float64(i%2)*20 - 10,
			Z: 380 + float64(i%5)*25,
		}
		poses = append(poses, calib.BoardPose{
			Rotation:    tilts[i],
			Translation: target.Sub(geom.MulVec(rot, centre)),
		})
	}
	return poses
}

// Views projects p through camera m at every pose. extrinsic, when non-nil, moves each
// board point from the frame of the poses into the frame of m first.
func Views(m *calib.Model, p pattern.Pattern, poses []calib.BoardPose, extrinsic func(r3.Vector) r3.Vector) []pattern.View {
	obj := p.ObjectPoints()
	views := make([]pattern.View, len(poses))
	for i, pose := range poses {
		views[i].Size = m.Size()
		for _, o := range obj {
			x := pose.Transform(o)
			if extrinsic != nil {
				x = extrinsic(x)
			}
			views[i].Points = append(views[i].Points, m.Project(x))
		}
	}
	return views
}
