package worldmodel

import (
	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Fuse combines two Gaussian estimates of the same position:
//
//	S = A + B, K = A·S⁻¹, x = a + K(b - a), P = A - K·A
//
// The result is never less certain than the tighter input. When S is not
// positive definite the second (newer) estimate is returned unchanged and ok
// is false.
func Fuse(a r3.Vector, A geometry.Covariance, b r3.Vector, B geometry.Covariance) (x r3.Vector, P geometry.Covariance, ok bool) {
	var chol mat.Cholesky
	if !chol.Factorize(A.Add(B).Sym()) {
		return b, B, false
	}

	am := mat.NewDense(3, 3, A[:])
	// Kᵀ = S⁻¹·A since both S and A are symmetric.
	var kt mat.Dense
	if err := chol.SolveTo(&kt, am); err != nil {
		return b, B, false
	}
	k := kt.T()

	diff := b.Sub(a)
	var step mat.VecDense
	step.MulVec(k, mat.NewVecDense(3, []float64{diff.X, diff.Y, diff.Z}))
	x = r3.Vector{X: a.X + step.AtVec(0), Y: a.Y + step.AtVec(1), Z: a.Z + step.AtVec(2)}

	var ka, p mat.Dense
	ka.Mul(k, am)
	p.Sub(am, &ka)
	return x, geometry.CovarianceFromMatrix(&p), true
}
