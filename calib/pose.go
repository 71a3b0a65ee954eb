package calib

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/geom"
)

// BoardPose places a calibration board in a camera frame: a board point X is seen at
// R(Rotation)·X + Translation, where Rotation is a rotation vector.
type BoardPose struct {
	Rotation    r3.Vector
	Translation r3.Vector
}

// Transform maps a board point into the camera frame.
func (p BoardPose) Transform(x r3.Vector) r3.Vector {
	return geom.MulVec(geom.RotationFromVector(p.Rotation), x).Add(p.Translation)
}

func (p BoardPose) params() []float64 {
	return []float64{p.Rotation.X, p.Rotation.Y, p.Rotation.Z, p.Translation.X, p.Translation.Y, p.Translation.Z}
}

func boardPoseFromParams(x []float64) BoardPose {
	return BoardPose{
		Rotation:    r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		Translation: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}
}

// projectBoard writes the reprojection residuals of one view into dst (two per point).
func projectBoard(dst []float64, m *Model, pose BoardPose, obj []r3.Vector, img []r2.Point) {
	rot := geom.RotationFromVector(pose.Rotation)
	for i, o := range obj {
		p := m.Project(geom.MulVec(rot, o).Add(pose.Translation))
		dst[2*i] = p.X - img[i].X
		dst[2*i+1] = p.Y - img[i].Y
	}
}

// homographyPose is the closed form board pose: the homography from the board plane to
// normalised image coordinates, decomposed.
func homographyPose(m *Model, obj []r3.Vector, img []r2.Point) (BoardPose, error) {
	planar := make([]r2.Point, len(obj))
	normalised := make([]r2.Point, len(img))
	for i := range obj {
		planar[i] = r2.Point{X: obj[i].X, Y: obj[i].Y}
		normalised[i] = m.Normalize(img[i])
	}
	h, err := geom.Homography(planar, normalised)
	if err != nil {
		return BoardPose{}, err
	}
	return poseFromHomography(h)
}

// poseFromHomography decomposes a homography from the board plane (Z=0) to normalised
// image coordinates into a rotation and translation.
func poseFromHomography(h *mat.Dense) (BoardPose, error) {
	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}
	norm := (h1.Norm() + h2.Norm()) / 2
	if norm < 1e-12 {
		return BoardPose{}, errors.New("degenerate homography")
	}
	lambda := 1 / norm
	if h3.Z < 0 {
		// the board must be in front of the camera
		lambda = -lambda
	}
	c1 := h1.Mul(lambda)
	c2 := h2.Mul(lambda)
	c3 := c1.Cross(c2)
	rot := mat.NewDense(3, 3, []float64{
		c1.X, c2.X, c3.X,
		c1.Y, c2.Y, c3.Y,
		c1.Z, c2.Z, c3.Z,
	})
	rvec, err := geom.VectorFromRotation(rot)
	if err != nil {
		return BoardPose{}, err
	}
	return BoardPose{Rotation: rvec, Translation: h3.Mul(lambda)}, nil
}

// EstimatePose finds where a planar board with object points obj sits in front of the
// camera m, given its observed pixels img. OpenCV's PnP estimate, or the board homography
// when PnP fails, is refined by minimising reprojection error.
func EstimatePose(m *Model, obj []r3.Vector, img []r2.Point) (BoardPose, error) {
	if len(obj) != len(img) {
		return BoardPose{}, errors.Errorf("got %d object points but %d image points", len(obj), len(img))
	}
	if len(obj) < 4 {
		return BoardPose{}, errors.Errorf("need at least 4 points, got %d", len(obj))
	}
	initial, ok := solvePnP(m, obj, img)
	if !ok {
		var err error
		if initial, err = homographyPose(m, obj, img); err != nil {
			return BoardPose{}, err
		}
	}

	res, err := geom.LevenbergMarquardt(geom.Problem{
		NumResiduals: 2 * len(obj),
		Residuals: func(dst, x []float64) {
			projectBoard(dst, m, boardPoseFromParams(x), obj, img)
		},
	}, initial.params(), nil)
	if err != nil {
		return BoardPose{}, errors.Wrap(err, "refining board pose")
	}
	return boardPoseFromParams(res.Params), nil
}
