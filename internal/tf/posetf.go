package tf

import (
	"time"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/golang/geo/r3"
)

// PoseFrames names the frames a robot pose is split across.
type PoseFrames struct {
	FrameID           string `json:"frame_id" yaml:"frame_id"`
	FootprintFrameID  string `json:"footprint_frame_id" yaml:"footprint_frame_id"`
	StabilizedFrameID string `json:"stabilized_frame_id" yaml:"stabilized_frame_id"`
	ChildFrameID      string `json:"child_frame_id" yaml:"child_frame_id"`
}

// DefaultPoseFrames returns the conventional mobile robot frame names.
func DefaultPoseFrames() PoseFrames {
	return PoseFrames{
		FrameID:           "map",
		FootprintFrameID:  "base_footprint",
		StabilizedFrameID: "base_stabilized",
		ChildFrameID:      "base_link",
	}
}

// PoseToTransforms splits a robot pose in FrameID into a chain of up to
// three transforms: x, y and yaw into the footprint frame, height into the
// stabilized frame, and roll and pitch into the child frame. An empty
// intermediate frame name folds its part into the next link.
func PoseToTransforms(frames PoseFrames, stamp time.Time, pose geometry.Pose) []StampedTransform {
	roll, pitch, yaw := pose.Orientation.RPY()
	pos := pose.Position
	parent := frames.FrameID
	var out []StampedTransform

	if frames.FootprintFrameID != "" && frames.ChildFrameID != frames.FootprintFrameID {
		out = append(out, StampedTransform{
			Parent: parent,
			Child:  frames.FootprintFrameID,
			Stamp:  stamp,
			Transform: geometry.Transform{
				Translation: r3.Vector{X: pos.X, Y: pos.Y},
				Rotation:    geometry.QuaternionFromRPY(0, 0, yaw),
			},
		})
		yaw = 0
		pos.X, pos.Y = 0, 0
		parent = frames.FootprintFrameID
	}

	if frames.StabilizedFrameID != "" && frames.ChildFrameID != frames.StabilizedFrameID {
		out = append(out, StampedTransform{
			Parent: parent,
			Child:  frames.StabilizedFrameID,
			Stamp:  stamp,
			Transform: geometry.Transform{
				Translation: r3.Vector{Z: pos.Z},
				Rotation:    geometry.IdentityQuaternion(),
			},
		})
		pos.Z = 0
		parent = frames.StabilizedFrameID
	}

	out = append(out, StampedTransform{
		Parent: parent,
		Child:  frames.ChildFrameID,
		Stamp:  stamp,
		Transform: geometry.Transform{
			Translation: pos,
			Rotation:    geometry.QuaternionFromRPY(roll, pitch, yaw),
		},
	})
	return out
}

// RobotPose is a stamped robot pose as published by a localisation source.
type RobotPose struct {
	Stamp time.Time     `json:"stamp"`
	Pose  geometry.Pose `json:"pose"`
}

// SetRobotPose decomposes p with frames and inserts the result.
func (b *Buffer) SetRobotPose(frames PoseFrames, p RobotPose) error {
	stamp := p.Stamp
	if stamp.IsZero() {
		stamp = b.clock.Now()
	}
	return b.Apply(Message{Transforms: PoseToTransforms(frames, stamp, p.Pose)})
}
