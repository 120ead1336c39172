// Package visualization renders top-down views of the object model as PNG
// plots and interactive HTML charts.
package visualization

import (
	"math"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"gonum.org/v1/gonum/mat"
)

// Ellipse is a confidence ellipse in the x/y plane.
type Ellipse struct {
	CX, CY       float64
	Major, Minor float64 // semi-axes (m)
	Angle        float64 // of the major axis from +x (rad)
}

// CovarianceEllipse returns the sigma-scaled ellipse of the x/y block of
// cov centred on (cx, cy). Negative eigenvalues from a badly conditioned
// covariance are treated as zero.
func CovarianceEllipse(cx, cy float64, cov geometry.Covariance, sigma float64) Ellipse {
	a, b, d := cov.At(0, 0), (cov.At(0, 1)+cov.At(1, 0))/2, cov.At(1, 1)
	e := Ellipse{CX: cx, CY: cy}

	var es mat.EigenSym
	if !es.Factorize(mat.NewSymDense(2, []float64{a, b, b, d}), true) {
		return e
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// Values are ascending.
	e.Major = sigma * math.Sqrt(math.Max(vals[1], 0))
	e.Minor = sigma * math.Sqrt(math.Max(vals[0], 0))
	e.Angle = math.Atan2(vecs.At(1, 1), vecs.At(0, 1))
	return e
}

// Points samples n+1 points around the ellipse, closing the loop.
func (e Ellipse) Points(n int) [][2]float64 {
	if n < 3 {
		n = 3
	}
	sin, cos := math.Sincos(e.Angle)
	out := make([][2]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		t := 2 * math.Pi * float64(i) / float64(n)
		x, y := e.Major*math.Cos(t), e.Minor*math.Sin(t)
		out = append(out, [2]float64{e.CX + x*cos - y*sin, e.CY + x*sin + y*cos})
	}
	return out
}
