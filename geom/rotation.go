// Package geom holds the small linear algebra and optimisation helpers shared by the
// calibration, stereo and rectification packages.
package geom

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/spatialmath"
)

// Eye returns an n x n identity matrix.
func Eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// RotationFromVector converts a rotation vector (unit axis scaled by the angle in radians)
// into a 3x3 rotation matrix.
func RotationFromVector(v r3.Vector) *mat.Dense {
	if v.Norm() < 1e-15 {
		return Eye(3)
	}
	rm := spatialmath.R3ToR4(v).RotationMatrix()
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		row := rm.Row(i)
		out.Set(i, 0, row.X)
		out.Set(i, 1, row.Y)
		out.Set(i, 2, row.Z)
	}
	return out
}

// VectorFromRotation is the inverse of RotationFromVector. The input is projected onto the
// closest rotation first so slightly non-orthonormal matrices are accepted.
func VectorFromRotation(r mat.Matrix) (r3.Vector, error) {
	rows, cols := r.Dims()
	if rows != 3 || cols != 3 {
		return r3.Vector{}, errors.Errorf("rotation must be 3x3, got %dx%d", rows, cols)
	}
	closest, err := NearestRotation(r)
	if err != nil {
		return r3.Vector{}, err
	}
	if mat.EqualApprox(closest, Eye(3), 1e-15) {
		return r3.Vector{}, nil
	}
	rm, err := spatialmath.NewRotationMatrix(closest.RawMatrix().Data)
	if err != nil {
		return r3.Vector{}, err
	}
	return rm.AxisAngles().ToR3(), nil
}

// NearestRotation returns the rotation matrix closest to m in the Frobenius sense.
func NearestRotation(m mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize rotation candidate")
	}
	var u, v, out mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out.Mul(&u, v.T())
	if mat.Det(&out) < 0 {
		// flip the axis of the smallest singular value
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		out.Mul(&u, v.T())
	}
	return &out, nil
}

// MulVec applies the 3x3 matrix m to v.
func MulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// Compose returns a*b for two 3x3 matrices.
func Compose(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// Transpose returns a dense copy of m transposed.
func Transpose(m mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(m.T())
}
