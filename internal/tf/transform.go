package tf

import (
	"encoding/json"
	"time"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/golang/geo/r3"
)

// StampedTransform maps points in Child into Parent at Stamp.
type StampedTransform struct {
	Parent    string
	Child     string
	Stamp     time.Time
	Transform geometry.Transform
}

type vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type stampedJSON struct {
	Header struct {
		FrameID string    `json:"frame_id"`
		Stamp   time.Time `json:"stamp"`
	} `json:"header"`
	ChildFrameID string `json:"child_frame_id"`
	Transform    struct {
		Translation vec3                `json:"translation"`
		Rotation    geometry.Quaternion `json:"rotation"`
	} `json:"transform"`
}

func (st StampedTransform) MarshalJSON() ([]byte, error) {
	var w stampedJSON
	w.Header.FrameID = st.Parent
	w.Header.Stamp = st.Stamp
	w.ChildFrameID = st.Child
	t := st.Transform.Translation
	w.Transform.Translation = vec3{t.X, t.Y, t.Z}
	w.Transform.Rotation = st.Transform.Rotation
	return json.Marshal(w)
}

func (st *StampedTransform) UnmarshalJSON(b []byte) error {
	var w stampedJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	t := w.Transform.Translation
	rot := w.Transform.Rotation
	if rot.IsZero() {
		rot = geometry.IdentityQuaternion()
	}
	*st = StampedTransform{
		Parent: w.Header.FrameID,
		Child:  w.ChildFrameID,
		Stamp:  w.Header.Stamp,
		Transform: geometry.Transform{
			Translation: r3.Vector{X: t.X, Y: t.Y, Z: t.Z},
			Rotation:    rot,
		},
	}
	return nil
}

// Message is a batch of transforms as carried over the wire.
type Message struct {
	Transforms []StampedTransform `json:"transforms"`
	Static     bool               `json:"static,omitempty"`
}

// Apply inserts every transform of msg into b and returns the first error.
func (b *Buffer) Apply(msg Message) error {
	for _, st := range msg.Transforms {
		if err := b.SetTransform(st, msg.Static); err != nil {
			return err
		}
	}
	return nil
}
