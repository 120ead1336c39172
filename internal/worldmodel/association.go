package worldmodel

import (
	"math"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// AssociationThreshold is the squared Mahalanobis distance below which a
// percept is merged into an existing object. It is deliberately not
// configurable.
const AssociationThreshold = 1.0

// SingularDistanceRejection is returned for candidate pairs whose combined
// covariance cannot be inverted.
const SingularDistanceRejection = math.MaxFloat64

// MahalanobisDistanceSquared computes Δᵀ(Σa+Σb)⁻¹Δ for Δ = a - b. The
// second result is false when the combined covariance is not positive
// definite, in which case the distance is SingularDistanceRejection.
func MahalanobisDistanceSquared(a r3.Vector, sa geometry.Covariance, b r3.Vector, sb geometry.Covariance) (float64, bool) {
	var chol mat.Cholesky
	if ok := chol.Factorize(sa.Add(sb).Sym()); !ok {
		return SingularDistanceRejection, false
	}
	delta := a.Sub(b)
	d := mat.NewVecDense(3, []float64{delta.X, delta.Y, delta.Z})
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, d); err != nil {
		return SingularDistanceRejection, false
	}
	return mat.Dot(d, &x), true
}

// nearestObject returns the closest eligible object with d² below the
// association threshold, or nil. Eligible means same class (any class when
// classID is empty) and not discarded. Ties keep the earlier object.
func nearestObject(objects []*TrackedObject, classID string, position r3.Vector, cov geometry.Covariance) *TrackedObject {
	var best *TrackedObject
	bestDist := AssociationThreshold
	for _, obj := range objects {
		if classID != "" && obj.ClassID != classID {
			continue
		}
		if obj.State == StateDiscarded {
			continue
		}
		dist, ok := MahalanobisDistanceSquared(obj.Position, obj.Covariance, position, cov)
		if !ok {
			continue
		}
		if dist < bestDist {
			best = obj
			bestDist = dist
		}
	}
	return best
}
