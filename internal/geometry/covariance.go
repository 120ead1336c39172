package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Covariance is a row-major 3x3 positional covariance.
type Covariance [9]float64

// IdentityCovariance returns the unit covariance.
func IdentityCovariance() Covariance {
	return Diagonal(1, 1, 1)
}

// Diagonal returns a covariance with the given variances on the diagonal.
func Diagonal(xx, yy, zz float64) Covariance {
	return Covariance{xx, 0, 0, 0, yy, 0, 0, 0, zz}
}

// CovarianceFromSlice accepts an empty slice (all zero), a 3x3 matrix or a
// 6x6 pose covariance of which the upper-left block is used.
func CovarianceFromSlice(v []float64) (Covariance, error) {
	var c Covariance
	switch len(v) {
	case 0:
	case 9:
		copy(c[:], v)
	case 36:
		for r := 0; r < 3; r++ {
			for col := 0; col < 3; col++ {
				c[r*3+col] = v[r*6+col]
			}
		}
	default:
		return c, fmt.Errorf("covariance must have 0, 9 or 36 entries, got %d", len(v))
	}
	return c, nil
}

// CovarianceFromMatrix copies a 3x3 matrix and symmetrises it.
func CovarianceFromMatrix(m mat.Matrix) Covariance {
	var c Covariance
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			c[r*3+col] = m.At(r, col)
		}
	}
	return c.Symmetrize()
}

// At returns element (r, c).
func (c Covariance) At(r, col int) float64 { return c[r*3+col] }

// IsZero reports whether every entry is zero.
func (c Covariance) IsZero() bool {
	for _, v := range c {
		if v != 0 {
			return false
		}
	}
	return true
}

// Symmetrize averages the off-diagonal pairs.
func (c Covariance) Symmetrize() Covariance {
	out := c
	for r := 0; r < 3; r++ {
		for col := r + 1; col < 3; col++ {
			v := (c[r*3+col] + c[col*3+r]) / 2
			out[r*3+col] = v
			out[col*3+r] = v
		}
	}
	return out
}

// ErrNotPSD is returned for a covariance with a negative eigenvalue.
var ErrNotPSD = errors.New("covariance is not positive semi-definite")

// psdTolerance scales the largest eigenvalue magnitude into the slack
// allowed for rounding below zero.
const psdTolerance = 1e-9

// Sanitize returns the symmetrised covariance. It fails when an entry is
// not finite or the symmetrised matrix has a negative eigenvalue.
func (c Covariance) Sanitize() (Covariance, error) {
	for i, v := range c {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Covariance{}, fmt.Errorf("covariance entry %d is %v", i, v)
		}
	}
	s := c.Symmetrize()
	if s.IsZero() {
		return s, nil
	}

	var eig mat.EigenSym
	if !eig.Factorize(mat.NewSymDense(3, s[:]), false) {
		return Covariance{}, fmt.Errorf("eigen decomposition failed: %w", ErrNotPSD)
	}
	values := eig.Values(nil)
	scale := 1.0
	for _, v := range values {
		scale = math.Max(scale, math.Abs(v))
	}
	if values[0] < -psdTolerance*scale {
		return Covariance{}, fmt.Errorf("smallest eigenvalue %g: %w", values[0], ErrNotPSD)
	}
	return s, nil
}

// Sym returns the covariance as a gonum symmetric matrix.
func (c Covariance) Sym() *mat.SymDense {
	s := c.Symmetrize()
	return mat.NewSymDense(3, s[:])
}

// Add returns the element-wise sum.
func (c Covariance) Add(o Covariance) Covariance {
	var out Covariance
	for i := range c {
		out[i] = c[i] + o[i]
	}
	return out
}

// Rotate returns R*C*Rᵀ for the rotation q.
func (c Covariance) Rotate(q Quaternion) Covariance {
	r := q.Matrix()
	var tmp, out mat.Dense
	tmp.Mul(r, mat.NewDense(3, 3, c[:]))
	out.Mul(&tmp, r.T())
	return CovarianceFromMatrix(&out)
}

// Pose36 expands the covariance into a 6x6 pose covariance with zero
// rotational block.
func (c Covariance) Pose36() []float64 {
	out := make([]float64, 36)
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			out[r*6+col] = c[r*3+col]
		}
	}
	return out
}
