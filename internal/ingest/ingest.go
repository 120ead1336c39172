// Package ingest decodes percept, transform and command messages from any
// transport and hands them to the tracker or the transform buffer.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/tf"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
)

// Kind names a message type. Redis channels and envelope "type" fields use
// the same names.
type Kind string

const (
	KindPosePercept  Kind = "pose_percept"
	KindImagePercept Kind = "image_percept"
	KindSysCommand   Kind = "syscommand"
	KindTF           Kind = "tf"
	KindRobotPose    Kind = "robot_pose"
)

// Kinds lists every inbound kind.
var Kinds = []Kind{KindPosePercept, KindImagePercept, KindSysCommand, KindTF, KindRobotPose}

// ErrUnknownKind is returned for envelopes with an unsupported type.
var ErrUnknownKind = errors.New("unknown message type")

// ErrNotConfigured is returned for transform messages when no buffer (or
// no pose frames) is set.
var ErrNotConfigured = errors.New("handler not configured")

// Envelope wraps a message on transports that carry several kinds on one
// stream (serial lines, UDP datagrams).
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Tracker is the part of worldmodel.Tracker the dispatcher drives.
type Tracker interface {
	HandlePosePercept(ctx context.Context, p worldmodel.PosePercept) (worldmodel.Object, error)
	HandleImagePercept(ctx context.Context, p worldmodel.ImagePercept) (worldmodel.Object, error)
	Reset(ctx context.Context)
}

// Dispatcher routes decoded messages. Errors are logged here and returned so
// transports can count them; a transport never stops on one.
type Dispatcher struct {
	Source     string
	Tracker    Tracker
	Buffer     *tf.Buffer
	PoseFrames *tf.PoseFrames

	handled atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Stats counts dispatch outcomes.
type Stats struct {
	Handled uint64 `json:"handled"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Handled: d.handled.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}

// HandleEnvelope decodes one envelope and dispatches it.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.failed.Add(1)
		err = fmt.Errorf("%w: %v", worldmodel.ErrInvalidPercept, err)
		worldmodel.LogDrop(d.Source, err)
		return err
	}
	return d.Handle(ctx, env.Type, env.Data)
}

// Handle dispatches one message of the given kind.
func (d *Dispatcher) Handle(ctx context.Context, kind Kind, data []byte) error {
	err := d.handle(ctx, kind, data)
	switch {
	case err == nil:
		d.handled.Add(1)
	case worldmodel.IsDrop(err):
		d.dropped.Add(1)
	default:
		d.failed.Add(1)
	}
	worldmodel.LogDrop(d.Source, err)
	return err
}

func (d *Dispatcher) handle(ctx context.Context, kind Kind, data []byte) error {
	switch kind {
	case KindPosePercept:
		var p worldmodel.PosePercept
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", worldmodel.ErrInvalidPercept, err)
		}
		_, err := d.Tracker.HandlePosePercept(ctx, p)
		return err

	case KindImagePercept:
		var p worldmodel.ImagePercept
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", worldmodel.ErrInvalidPercept, err)
		}
		_, err := d.Tracker.HandleImagePercept(ctx, p)
		return err

	case KindSysCommand:
		cmd := parseCommand(data)
		if cmd == "reset" {
			monitoring.Logf("[%s] Resetting model on syscommand", d.Source)
			d.Tracker.Reset(ctx)
		}
		return nil

	case KindTF:
		if d.Buffer == nil {
			return fmt.Errorf("tf message: %w", ErrNotConfigured)
		}
		var msg tf.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("tf message: %w", err)
		}
		return d.Buffer.Apply(msg)

	case KindRobotPose:
		if d.Buffer == nil || d.PoseFrames == nil {
			return fmt.Errorf("robot pose: %w", ErrNotConfigured)
		}
		var p tf.RobotPose
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("robot pose: %w", err)
		}
		return d.Buffer.SetRobotPose(*d.PoseFrames, p)
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// parseCommand accepts a bare word, a JSON string or {"data": "..."}.
func parseCommand(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Data != "" {
		return strings.TrimSpace(obj.Data)
	}
	return string(bytes.TrimSpace(data))
}
