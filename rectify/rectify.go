// Package rectify computes the rotations and projections that make a calibrated stereo
// pair row aligned, and expands them into dense remap tables.
package rectify

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/rimage/transform"

	"viamstereocalib/calib"
	"viamstereocalib/geom"
	"viamstereocalib/remap"
	"viamstereocalib/stereo"
)

// rectangleSamples is the side of the grid used to find the valid region of a rectified image.
const rectangleSamples = 9

// Options tune the rectified geometry.
type Options struct {
	// Alpha in [0,1] scales the rectified images between showing only valid pixels (0) and
	// keeping every source pixel (1). Negative keeps the unscaled common focal length.
	Alpha float64
	// ZeroDisparity gives both rectified cameras the same principal point, so points at
	// infinity have zero disparity.
	ZeroDisparity bool
}

// DefaultOptions keeps the focal length and aligns both principal points.
func DefaultOptions() Options {
	return Options{Alpha: -1, ZeroDisparity: true}
}

// Rectification is the rectified geometry of a stereo pair and its remap tables. It is
// immutable once built.
type Rectification struct {
	Size image.Point
	// R1 and R2 rotate each camera into the common rectified orientation.
	R1, R2 *mat.Dense
	// P1 and P2 are the 3x4 projections of the rectified cameras, in the left rectified frame.
	P1, P2 *mat.Dense
	// Left and Right map rectified pixels to raw source pixels.
	Left, Right *remap.Map
	// LeftROI and RightROI bound the pixels whose source lies inside the raw image.
	LeftROI, RightROI image.Rectangle

	left, right *calib.Model
}

// Build computes the rectification of the pair (left, right) related by pose. Both models
// must share one image size. The result depends only on the inputs.
func Build(left, right *calib.Model, pose *stereo.Pose, opts Options) (*Rectification, error) {
	if err := left.Validate(); err != nil {
		return nil, errors.Wrap(err, "left model")
	}
	if err := right.Validate(); err != nil {
		return nil, errors.Wrap(err, "right model")
	}
	if left.Size() != right.Size() {
		return nil, errors.Errorf("camera sizes differ: %v and %v", left.Size(), right.Size())
	}
	if err := pose.Validate(); err != nil {
		return nil, err
	}
	if opts.Alpha > 1 {
		return nil, errors.Errorf("alpha must be at most 1, got %v", opts.Alpha)
	}
	size := left.Size()
	nx, ny := float64(size.X), float64(size.Y)

	// rotate each camera half way towards the other
	om, err := geom.VectorFromRotation(pose.Rotation)
	if err != nil {
		return nil, err
	}
	half := geom.RotationFromVector(om.Mul(-0.5))
	t := geom.MulVec(half, pose.Translation)

	// then turn both so the baseline lies along the dominant image axis
	idx := 1
	c := t.Y
	if math.Abs(t.X) > math.Abs(t.Y) {
		idx, c = 0, t.X
	}
	var uu r3.Vector
	sign := -1.
	if c > 0 {
		sign = 1
	}
	if idx == 0 {
		uu.X = sign
	} else {
		uu.Y = sign
	}
	ww := t.Cross(uu)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Mul(math.Acos(math.Min(math.Abs(c)/t.Norm(), 1)) / nw)
	}
	wr := geom.RotationFromVector(ww)

	rot1 := geom.Compose(wr, half.T())
	rot2 := geom.Compose(wr, half)
	tNew := geom.MulVec(rot2, pose.Translation)
	shift := tNew.X
	if idx == 1 {
		shift = tNew.Y
	}

	// common focal length along the axis orthogonal to the baseline, shrunk for barrel distortion
	fc := math.Inf(1)
	for _, m := range []*calib.Model{left, right} {
		f := m.Intrinsics.Fy
		if idx == 1 {
			f = m.Intrinsics.Fx
		}
		if k1 := m.Distortion.RadialK1; k1 < 0 {
			f *= 1 + k1*(nx*nx+ny*ny)/(4*f*f)
		}
		fc = math.Min(fc, f)
	}

	// principal points that centre the rectified image corners
	corners := []r2.Point{{X: 0, Y: 0}, {X: nx - 1, Y: 0}, {X: 0, Y: ny - 1}, {X: nx - 1, Y: ny - 1}}
	var cc [2]r2.Point
	for k, cam := range []struct {
		m *calib.Model
		r *mat.Dense
	}{{left, rot1}, {right, rot2}} {
		proj := projection(fc, r2.Point{}, 0, 0)
		var avg r2.Point
		for _, p := range corners {
			avg = avg.Add(rectifyPoint(cam.m, cam.r, proj, p))
		}
		avg = avg.Mul(0.25)
		cc[k] = r2.Point{X: (nx-1)/2 - avg.X, Y: (ny-1)/2 - avg.Y}
	}
	switch {
	case opts.ZeroDisparity:
		mid := cc[0].Add(cc[1]).Mul(0.5)
		cc[0], cc[1] = mid, mid
	case idx == 0:
		y := (cc[0].Y + cc[1].Y) / 2
		cc[0].Y, cc[1].Y = y, y
	default:
		x := (cc[0].X + cc[1].X) / 2
		cc[0].X, cc[1].X = x, x
	}

	leftCopy, rightCopy := *left, *right
	rect := &Rectification{
		Size:  size,
		R1:    rot1,
		R2:    rot2,
		P1:    projection(fc, cc[0], idx, 0),
		P2:    projection(fc, cc[1], idx, shift*fc),
		left:  &leftCopy,
		right: &rightCopy,
	}
	inner1, outer1 := rect.rectangles(left, rot1, rect.P1)
	inner2, outer2 := rect.rectangles(right, rot2, rect.P2)

	scale := 1.
	if opts.Alpha >= 0 {
		s0 := math.Max(scaleToFit(inner1, cc[0], size, false), scaleToFit(inner2, cc[1], size, false))
		s1 := math.Min(scaleToFit(outer1, cc[0], size, true), scaleToFit(outer2, cc[1], size, true))
		scale = s0*(1-opts.Alpha) + s1*opts.Alpha
		if !(scale > 0) || math.IsInf(scale, 0) {
			return nil, errors.Errorf("degenerate rectification scale %v", scale)
		}
		rect.P1 = projection(fc*scale, cc[0], idx, 0)
		rect.P2 = projection(fc*scale, cc[1], idx, shift*fc*scale)
	}
	bounds := image.Rectangle{Max: size}
	rect.LeftROI = scaleRect(inner1, cc[0], scale).Intersect(bounds)
	rect.RightROI = scaleRect(inner2, cc[1], scale).Intersect(bounds)

	if rect.Left, err = left.RectifyMap(rot1, rect.P1); err != nil {
		return nil, err
	}
	if rect.Right, err = right.RectifyMap(rot2, rect.P2); err != nil {
		return nil, err
	}
	return rect, nil
}

// Intrinsics describes the rectified left camera.
func (r *Rectification) Intrinsics() transform.PinholeCameraIntrinsics {
	return transform.PinholeCameraIntrinsics{
		Width:  r.Size.X,
		Height: r.Size.Y,
		Fx:     r.P1.At(0, 0),
		Fy:     r.P1.At(1, 1),
		Ppx:    r.P1.At(0, 2),
		Ppy:    r.P1.At(1, 2),
	}
}

// LeftPoint maps a raw left pixel to its rectified position.
func (r *Rectification) LeftPoint(p r2.Point) r2.Point {
	return rectifyPoint(r.left, r.R1, r.P1, p)
}

// RightPoint maps a raw right pixel to its rectified position.
func (r *Rectification) RightPoint(p r2.Point) r2.Point {
	return rectifyPoint(r.right, r.R2, r.P2, p)
}

// Apply rectifies a raw image pair.
func (r *Rectification) Apply(left, right image.Image) (image.Image, image.Image, error) {
	if left == nil || right == nil {
		return nil, nil, errors.New("missing frame")
	}
	if left.Bounds().Size() != r.Size || right.Bounds().Size() != r.Size {
		return nil, nil, errors.Errorf("frames are %v and %v, rectification is for %v",
			left.Bounds().Size(), right.Bounds().Size(), r.Size)
	}
	return r.Left.Remap(left), r.Right.Remap(right), nil
}

func projection(f float64, c r2.Point, idx int, tx float64) *mat.Dense {
	p := mat.NewDense(3, 4, []float64{
		f, 0, c.X, 0,
		0, f, c.Y, 0,
		0, 0, 1, 0,
	})
	p.Set(idx, 3, tx)
	return p
}

// rectifyPoint undistorts a raw pixel, rotates it by r and projects it with p.
func rectifyPoint(m *calib.Model, r, p mat.Matrix, px r2.Point) r2.Point {
	n := m.Normalize(px)
	x := geom.MulVec(r, r3.Vector{X: n.X, Y: n.Y, Z: 1})
	return r2.Point{
		X: (p.At(0, 0)*x.X + p.At(0, 1)*x.Y + p.At(0, 2)*x.Z) / x.Z,
		Y: (p.At(1, 0)*x.X + p.At(1, 1)*x.Y + p.At(1, 2)*x.Z) / x.Z,
	}
}

// frect is an axis aligned rectangle with fractional bounds.
type frect struct {
	x0, y0, x1, y1 float64
}

// rectangles samples a grid over the raw image and returns the largest rectangle inside, and
// the smallest rectangle around, its rectified footprint.
func (r *Rectification) rectangles(m *calib.Model, rot, p mat.Matrix) (inner, outer frect) {
	w, h := float64(r.Size.X-1), float64(r.Size.Y-1)
	inner = frect{x0: math.Inf(-1), y0: math.Inf(-1), x1: math.Inf(1), y1: math.Inf(1)}
	outer = frect{x0: math.Inf(1), y0: math.Inf(1), x1: math.Inf(-1), y1: math.Inf(-1)}
	for y := 0; y < rectangleSamples; y++ {
		for x := 0; x < rectangleSamples; x++ {
			pt := rectifyPoint(m, rot, p, r2.Point{
				X: float64(x) * w / (rectangleSamples - 1),
				Y: float64(y) * h / (rectangleSamples - 1),
			})
			outer.x0, outer.x1 = math.Min(outer.x0, pt.X), math.Max(outer.x1, pt.X)
			outer.y0, outer.y1 = math.Min(outer.y0, pt.Y), math.Max(outer.y1, pt.Y)
			if x == 0 {
				inner.x0 = math.Max(inner.x0, pt.X)
			}
			if x == rectangleSamples-1 {
				inner.x1 = math.Min(inner.x1, pt.X)
			}
			if y == 0 {
				inner.y0 = math.Max(inner.y0, pt.Y)
			}
			if y == rectangleSamples-1 {
				inner.y1 = math.Min(inner.y1, pt.Y)
			}
		}
	}
	return inner, outer
}

// scaleToFit is the zoom about c that makes rect span the image: the largest ratio when
// every side must reach the border (inner), the smallest when no side may cross it (outer).
func scaleToFit(rect frect, c r2.Point, size image.Point, outer bool) float64 {
	w, h := float64(size.X-1), float64(size.Y-1)
	ratios := []float64{
		c.X / (c.X - rect.x0),
		c.Y / (c.Y - rect.y0),
		(w - c.X) / (rect.x1 - c.X),
		(h - c.Y) / (rect.y1 - c.Y),
	}
	s := ratios[0]
	for _, v := range ratios[1:] {
		if outer {
			s = math.Min(s, v)
		} else {
			s = math.Max(s, v)
		}
	}
	return s
}

func scaleRect(rect frect, c r2.Point, s float64) image.Rectangle {
	return image.Rect(
		int(math.Ceil((rect.x0-c.X)*s+c.X)),
		int(math.Ceil((rect.y0-c.Y)*s+c.Y)),
		int(math.Floor((rect.x1-c.X)*s+c.X)),
		int(math.Floor((rect.y1-c.Y)*s+c.Y)),
	)
}
