package geom

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"
)

// Homography estimates the 3x3 projective transform mapping src onto dst with the
// normalised direct linear transform. At least 4 correspondences are required.
func Homography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point sets differ in size (%d != %d)", len(src), len(dst))
	}
	if len(src) < 4 {
		return nil, errors.Errorf("need at least 4 correspondences, got %d", len(src))
	}
	tSrc := transform.ComputeNormalizationMatFromSliceVecs(src)
	tDst := transform.ComputeNormalizationMatFromSliceVecs(dst)
	if !finite(tSrc) || !finite(tDst) {
		return nil, errors.New("cannot normalise degenerate correspondences")
	}
	ns := transform.ApplyNormalizationMat(tSrc, src)
	nd := transform.ApplyNormalizationMat(tDst, dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range src {
		p, q := ns[i], nd[i]
		a.SetRow(2*i, []float64{-p.X, -p.Y, -1, 0, 0, 0, q.X * p.X, q.X * p.Y, q.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -p.X, -p.Y, -1, q.Y * p.X, q.Y * p.Y, q.Y})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize homography system")
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, errors.Wrap(err, "normalization is singular")
	}
	var h mat.Dense
	h.Mul(&tDstInv, hn)
	h.Mul(&h, tSrc)
	if scale := h.At(2, 2); math.Abs(scale) > 1e-12 {
		h.Scale(1/scale, &h)
	}
	return &h, nil
}

// ApplyHomography maps p through h.
func ApplyHomography(h mat.Matrix, p r2.Point) r2.Point {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{X: x / w, Y: y / w}
}

func finite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
