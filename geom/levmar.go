package geom

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

const (
	minDamping = 1e-15
	maxDamping = 1e16
)

// Problem is a nonlinear least squares problem: minimise the sum of squared residuals.
type Problem struct {
	// Residuals writes NumResiduals residuals for params into dst. It must not retain either slice.
	Residuals    func(dst, params []float64)
	NumResiduals int
}

// Settings tunes LevenbergMarquardt.
type Settings struct {
	MaxIterations  int
	InitialDamping float64
	// CostTolerance stops once an accepted step reduces the cost by less than this fraction.
	CostTolerance float64
	// StepTolerance stops once the step norm is below StepTolerance*(|x|+StepTolerance).
	StepTolerance float64
}

// DefaultSettings are good enough for camera calibration sized problems.
func DefaultSettings() *Settings {
	return &Settings{
		MaxIterations:  100,
		InitialDamping: 1e-3,
		CostTolerance:  1e-10,
		StepTolerance:  1e-10,
	}
}

// Result of a LevenbergMarquardt run.
type Result struct {
	Params     []float64
	Cost       float64
	Iterations int
	Converged  bool
}

// RMS is the root mean square length of residual pairs, which for reprojection problems is
// the usual per-point reprojection error in pixels.
func (r *Result) RMS(numResiduals int) float64 {
	if numResiduals < 2 {
		return math.Sqrt(r.Cost)
	}
	return math.Sqrt(r.Cost / float64(numResiduals/2))
}

// LevenbergMarquardt minimises the problem starting at x0. Jacobians are estimated with
// central finite differences.
func LevenbergMarquardt(p Problem, x0 []float64, settings *Settings) (*Result, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	n, m := len(x0), p.NumResiduals
	if n == 0 || m < n {
		return nil, errors.Errorf("need at least as many residuals (%d) as parameters (%d)", m, n)
	}

	x := append([]float64(nil), x0...)
	r := make([]float64, m)
	p.Residuals(r, x)
	cost := sumSquares(r)
	if !isFinite(cost) {
		return nil, errors.New("residuals are not finite at the initial guess")
	}

	jac := mat.NewDense(m, n, nil)
	jacSettings := &fd.JacobianSettings{Formula: fd.Central}
	trial := make([]float64, n)
	rTrial := make([]float64, m)
	lambda := settings.InitialDamping
	res := &Result{}

outer:
	for iter := 0; iter < settings.MaxIterations; iter++ {
		res.Iterations = iter + 1
		if cost == 0 {
			res.Converged = true
			break
		}
		fd.Jacobian(jac, p.Residuals, x, jacSettings)

		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))

		for {
			damped := mat.NewSymDense(n, nil)
			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				d := math.Max(jtj.At(i, i), 1e-12)
				damped.SetSym(i, i, jtj.At(i, i)+lambda*d)
			}

			var step mat.VecDense
			var chol mat.Cholesky
			solved := chol.Factorize(damped) && chol.SolveVecTo(&step, &grad) == nil
			if solved {
				for i := range x {
					trial[i] = x[i] - step.AtVec(i)
				}
				p.Residuals(rTrial, trial)
				trialCost := sumSquares(rTrial)
				if isFinite(trialCost) && trialCost < cost {
					reduction := (cost - trialCost) / cost
					copy(x, trial)
					copy(r, rTrial)
					cost = trialCost
					lambda = math.Max(lambda/10, minDamping)

					xNorm := mat.Norm(mat.NewVecDense(n, x), 2)
					if reduction < settings.CostTolerance ||
						mat.Norm(&step, 2) < settings.StepTolerance*(xNorm+settings.StepTolerance) {
						res.Converged = true
						break outer
					}
					continue outer
				}
			}
			lambda *= 10
			if lambda > maxDamping {
				// no descent direction left: x is a local minimum
				res.Converged = true
				break outer
			}
		}
	}

	res.Params = x
	res.Cost = cost
	return res, nil
}

func sumSquares(v []float64) float64 {
	s := 0.
	for _, x := range v {
		s += x * x
	}
	return s
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
