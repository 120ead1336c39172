package geometry

import (
	"encoding/json"

	"github.com/golang/geo/r3"
)

// Pose is a position plus orientation.
type Pose struct {
	Position    r3.Vector
	Orientation Quaternion
}

type vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type poseJSON struct {
	Position    vec3       `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

func (p Pose) MarshalJSON() ([]byte, error) {
	return json.Marshal(poseJSON{
		Position:    vec3{p.Position.X, p.Position.Y, p.Position.Z},
		Orientation: p.Orientation,
	})
}

func (p *Pose) UnmarshalJSON(b []byte) error {
	var w poseJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p.Position = r3.Vector{X: w.Position.X, Y: w.Position.Y, Z: w.Position.Z}
	p.Orientation = w.Orientation
	return nil
}

// Transform is a rigid transform: rotate, then translate.
type Transform struct {
	Translation r3.Vector
	Rotation    Quaternion
}

// IdentityTransform returns the transform that changes nothing.
func IdentityTransform() Transform {
	return Transform{Rotation: IdentityQuaternion()}
}

// NewTransform builds a transform from a translation and roll/pitch/yaw.
func NewTransform(x, y, z, roll, pitch, yaw float64) Transform {
	return Transform{
		Translation: r3.Vector{X: x, Y: y, Z: z},
		Rotation:    QuaternionFromRPY(roll, pitch, yaw),
	}
}

// Apply maps a point from the source frame into the target frame.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return t.Rotation.Rotate(p).Add(t.Translation)
}

// ApplyPose maps a pose into the target frame. An unset orientation is
// treated as identity.
func (t Transform) ApplyPose(p Pose) Pose {
	o := p.Orientation
	if o.IsZero() {
		o = IdentityQuaternion()
	}
	return Pose{
		Position:    t.Apply(p.Position),
		Orientation: t.Rotation.Normalize().Mul(o.Normalize()),
	}
}

// Compose returns t*o, the transform that applies o first and then t.
func (t Transform) Compose(o Transform) Transform {
	return Transform{
		Translation: t.Apply(o.Translation),
		Rotation:    t.Rotation.Normalize().Mul(o.Rotation.Normalize()),
	}
}

// Inverse returns the transform mapping target back to source.
func (t Transform) Inverse() Transform {
	inv := t.Rotation.Normalize().Conj()
	return Transform{
		Translation: inv.Rotate(t.Translation).Mul(-1),
		Rotation:    inv,
	}
}

// Interpolate blends two transforms: linear in translation, normalised lerp
// in rotation.
func Interpolate(a, b Transform, ratio float64) Transform {
	return Transform{
		Translation: a.Translation.Add(b.Translation.Sub(a.Translation).Mul(ratio)),
		Rotation:    Nlerp(a.Rotation, b.Rotation, ratio),
	}
}
