package worldmodel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/worldmodel/internal/camera"
	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/golang/geo/r3"
)

// ObjectState is the lifecycle state of a tracked object. Negative values
// freeze the object against percept-driven updates.
type ObjectState int

const (
	StateFixed     ObjectState = -1
	StateActive    ObjectState = 0
	StateConfirmed ObjectState = 1
	StateDiscarded ObjectState = 2
)

func (s ObjectState) String() string {
	switch s {
	case StateFixed:
		return "fixed"
	case StateActive:
		return "active"
	case StateConfirmed:
		return "confirmed"
	case StateDiscarded:
		return "discarded"
	}
	return strconv.Itoa(int(s))
}

// Frozen reports whether percepts may no longer mutate the object.
func (s ObjectState) Frozen() bool { return s < 0 }

// ParseObjectState accepts a state name or its integer code.
func ParseObjectState(v string) (ObjectState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "fixed":
		return StateFixed, nil
	case "active", "":
		return StateActive, nil
	case "confirmed":
		return StateConfirmed, nil
	case "discarded":
		return StateDiscarded, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return StateActive, fmt.Errorf("unknown object state %q", v)
	}
	return ObjectState(n), nil
}

func (s ObjectState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ObjectState) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*s = ObjectState(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("object state: %w", err)
	}
	parsed, err := ParseObjectState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Header stamps a percept or object with its frame and time.
type Header struct {
	FrameID string    `json:"frame_id"`
	Stamp   time.Time `json:"stamp"`
}

// PerceptInfo classifies a percept.
type PerceptInfo struct {
	ClassID       string  `json:"class_id,omitempty"`
	ObjectID      string  `json:"object_id,omitempty"`
	ClassSupport  float64 `json:"class_support,omitempty"`
	ObjectSupport float64 `json:"object_support,omitempty"`
}

// Support picks the object support for identified percepts, the class
// support for classified ones, and zero otherwise.
func (i PerceptInfo) Support() float64 {
	switch {
	case i.ObjectID != "":
		return i.ObjectSupport
	case i.ClassID != "":
		return i.ClassSupport
	}
	return 0
}

// PosePercept is an observation with a 3D pose in the sensor frame.
// Covariance may hold 0, 9 or 36 entries.
type PosePercept struct {
	Header     Header        `json:"header"`
	Info       PerceptInfo   `json:"info"`
	Pose       geometry.Pose `json:"pose"`
	Covariance []float64     `json:"covariance,omitempty"`
}

// ImagePercept is a detection box in image coordinates.
type ImagePercept struct {
	Header     Header      `json:"header"`
	Info       PerceptInfo `json:"info"`
	X          float64     `json:"x"`
	Y          float64     `json:"y"`
	Width      float64     `json:"width"`
	Height     float64     `json:"height"`
	CameraInfo camera.Info `json:"camera_info"`
}

// ObjectInfo identifies an object and carries its support.
type ObjectInfo struct {
	ClassID  string  `json:"class_id"`
	ObjectID string  `json:"object_id"`
	Support  float64 `json:"support"`
}

// Object is the public representation of a tracked object. It is always a
// copy; changing it has no effect on the model.
type Object struct {
	Header     Header              `json:"header"`
	Info       ObjectInfo          `json:"info"`
	Pose       geometry.Pose       `json:"pose"`
	Covariance geometry.Covariance `json:"covariance"`
	State      ObjectState         `json:"state"`
}

// TrackedObject is the model's mutable record of one object. Pointers to it
// are only valid inside ObjectModel.WithLock.
type TrackedObject struct {
	ID          string
	ClassID     string
	Position    r3.Vector
	Orientation geometry.Quaternion
	Covariance  geometry.Covariance
	Support     float64
	State       ObjectState
	Header      Header
}

// Object returns a copy in public form.
func (o *TrackedObject) Object() Object {
	return Object{
		Header: o.Header,
		Info: ObjectInfo{
			ClassID:  o.ClassID,
			ObjectID: o.ID,
			Support:  o.Support,
		},
		Pose:       geometry.Pose{Position: o.Position, Orientation: o.Orientation},
		Covariance: o.Covariance,
		State:      o.State,
	}
}

func trackedFromObject(obj Object) *TrackedObject {
	return &TrackedObject{
		ID:          obj.Info.ObjectID,
		ClassID:     obj.Info.ClassID,
		Position:    obj.Pose.Position,
		Orientation: obj.Pose.Orientation,
		Covariance:  obj.Covariance,
		Support:     obj.Info.Support,
		State:       obj.State,
		Header:      obj.Header,
	}
}

// AddObjectRequest inserts or overwrites an object by id, bypassing
// association. MapToNextObstacle rescales the position to the distance
// reported by the obstacle ranger.
type AddObjectRequest struct {
	Object            Object `json:"object"`
	MapToNextObstacle bool   `json:"map_to_next_obstacle"`
}
