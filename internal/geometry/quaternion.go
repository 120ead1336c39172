// Package geometry holds the small amount of rigid-body math the world
// model needs: quaternions, 3x3 covariances and rigid transforms.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is a rotation in x, y, z, w order.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuaternion returns the zero rotation.
func IdentityQuaternion() Quaternion { return Quaternion{W: 1} }

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{X: n.Imag, Y: n.Jmag, Z: n.Kmag, W: n.Real}
}

// IsZero reports whether all four components are zero, which is how an
// unset orientation arrives over the wire.
func (q Quaternion) IsZero() bool {
	return q.X == 0 && q.Y == 0 && q.Z == 0 && q.W == 0
}

// Normalize returns the unit quaternion. The zero quaternion maps to identity.
func (q Quaternion) Normalize() Quaternion {
	n := quat.Abs(q.number())
	if n == 0 {
		return IdentityQuaternion()
	}
	return fromNumber(quat.Scale(1/n, q.number()))
}

// Mul returns the Hamilton product q*o (apply o first, then q).
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return fromNumber(quat.Mul(q.number(), o.number()))
}

// Conj returns the conjugate, which is the inverse for unit quaternions.
func (q Quaternion) Conj() Quaternion {
	return fromNumber(quat.Conj(q.number()))
}

// Rotate applies the rotation to v.
func (q Quaternion) Rotate(v r3.Vector) r3.Vector {
	u := q.Normalize().number()
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(u, p), quat.Conj(u))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Matrix returns the 3x3 rotation matrix of the normalised quaternion.
func (q Quaternion) Matrix() *mat.Dense {
	u := q.Normalize()
	x, y, z, w := u.X, u.Y, u.Z, u.W
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// QuaternionFromRPY builds a rotation from fixed-axis roll, pitch and yaw
// (yaw applied last).
func QuaternionFromRPY(roll, pitch, yaw float64) Quaternion {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	return Quaternion{
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
		W: cr*cp*cy + sr*sp*sy,
	}
}

// RPY decomposes the rotation into roll, pitch and yaw.
func (q Quaternion) RPY() (roll, pitch, yaw float64) {
	u := q.Normalize()
	x, y, z, w := u.X, u.Y, u.Z, u.W
	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	s := 2 * (w*y - z*x)
	switch {
	case s >= 1:
		pitch = math.Pi / 2
	case s <= -1:
		pitch = -math.Pi / 2
	default:
		pitch = math.Asin(s)
	}
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}

// Yaw returns only the heading component of the rotation.
func (q Quaternion) Yaw() float64 {
	_, _, yaw := q.RPY()
	return yaw
}

// Nlerp interpolates between a and b by ratio t in [0,1] along the shorter
// arc and renormalises. Good enough for closely spaced transform samples.
func Nlerp(a, b Quaternion, t float64) Quaternion {
	an, bn := a.number(), b.number()
	dot := an.Real*bn.Real + an.Imag*bn.Imag + an.Jmag*bn.Jmag + an.Kmag*bn.Kmag
	if dot < 0 {
		bn = quat.Scale(-1, bn)
	}
	r := quat.Add(quat.Scale(1-t, an), quat.Scale(t, bn))
	return fromNumber(r).Normalize()
}

// BearingQuaternion returns the rotation that maps the x axis onto the
// direction of v: yaw from the horizontal bearing, pitch from the vertical
// bearing and zero roll. The zero vector yields identity.
func BearingQuaternion(v r3.Vector) Quaternion {
	if v.Norm2() == 0 {
		return IdentityQuaternion()
	}
	yaw := math.Atan2(v.Y, v.X)
	pitch := math.Atan2(-v.Z, math.Hypot(v.X, v.Y))
	return QuaternionFromRPY(0, pitch, yaw)
}
