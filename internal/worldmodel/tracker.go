package worldmodel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/worldmodel/internal/camera"
	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/timeutil"
	"github.com/golang/geo/r3"
)

// TrackerConfig holds the percept normalisation parameters.
type TrackerConfig struct {
	FrameID             string        // Canonical frame all objects are stored in
	ProjectObjects      bool          // Rescale percepts to the next obstacle
	DefaultDistance     float64       // Range assumed for image percepts (m)
	DistanceVariance    float64       // Radial variance of defaulted covariances (m²)
	AngleVariance       float64       // Tangential variance per m² of range
	MinHeight           float64       // Lower bound of height above the sensor (m)
	MaxHeight           float64       // Upper bound of height above the sensor (m)
	VerificationTimeout time.Duration // Bound on a single verifier call
}

// DefaultTrackerConfig returns the default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		FrameID:             "map",
		DefaultDistance:     1.0,
		DistanceVariance:    1.0,
		AngleVariance:       5 * math.Pi / 180,
		MinHeight:           -999.9,
		MaxHeight:           999.9,
		VerificationTimeout: DefaultVerificationTimeout,
	}
}

// Dependencies are the tracker's collaborators. Every field is optional.
type Dependencies struct {
	Transformer Transformer
	Ranger      ObstacleRanger
	Verifiers   []Verifier
	Publisher   Publisher
	Clock       timeutil.Clock
}

// Tracker turns percepts into updates of the object model.
type Tracker struct {
	cfg         TrackerConfig
	model       *ObjectModel
	cameras     *camera.Cache
	transformer Transformer
	ranger      ObstacleRanger
	verifiers   []Verifier
	publisher   Publisher
	clock       timeutil.Clock

	// publishMu is taken under the model lock and held while publishing, so
	// publishers see snapshots in mutation order.
	publishMu sync.Mutex
}

// NewTracker creates a tracker around model. A nil model starts empty.
func NewTracker(cfg TrackerConfig, model *ObjectModel, deps Dependencies) *Tracker {
	if model == nil {
		model = NewObjectModel()
	}
	if cfg.VerificationTimeout <= 0 {
		cfg.VerificationTimeout = DefaultVerificationTimeout
	}
	t := &Tracker{
		cfg:         cfg,
		model:       model,
		cameras:     camera.NewCache(),
		transformer: deps.Transformer,
		ranger:      deps.Ranger,
		verifiers:   deps.Verifiers,
		publisher:   deps.Publisher,
		clock:       deps.Clock,
	}
	if t.publisher == nil {
		t.publisher = nopPublisher{}
	}
	if t.clock == nil {
		t.clock = timeutil.RealClock{}
	}
	return t
}

// Model returns the underlying object model.
func (t *Tracker) Model() *ObjectModel { return t.model }

// Config returns the tracker configuration.
func (t *Tracker) Config() TrackerConfig { return t.cfg }

// observation is a percept after normalisation into the canonical frame.
type observation struct {
	header     Header
	info       PerceptInfo
	pose       geometry.Pose
	covariance geometry.Covariance
	support    float64
}

// HandleImagePercept converts an image detection into a bearing at the
// default distance and processes it as a pose percept.
func (t *Tracker) HandleImagePercept(ctx context.Context, p ImagePercept) (Object, error) {
	model, err := t.cameras.Model(p.Header.FrameID, p.CameraInfo)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrInvalidPercept, err)
	}
	ray := model.ProjectPixelTo3dRay(p.X+p.Width/2, p.Y+p.Height/2)
	dir := camera.OpticalToBody(ray)

	return t.HandlePosePercept(ctx, PosePercept{
		Header: p.Header,
		Info:   p.Info,
		Pose: geometry.Pose{
			Position:    dir.Normalize().Mul(t.cfg.DefaultDistance),
			Orientation: geometry.BearingQuaternion(dir),
		},
	})
}

// HandlePosePercept normalises, associates and fuses one percept, consults
// the verifiers and publishes the result. A dropped percept returns an
// error for which IsDrop is true and leaves the model untouched.
func (t *Tracker) HandlePosePercept(ctx context.Context, p PosePercept) (Object, error) {
	obs, err := t.normalize(ctx, p)
	if err != nil {
		return Object{}, err
	}

	var updated Object
	err = t.commit(ctx, func(tx *ModelTx) (*Object, error) {
		obj, err := t.associate(tx, obs)
		if err != nil {
			return nil, err
		}

		switch {
		case obj == nil:
			obj, err = tx.Add(obs.info.ClassID, "")
			if err != nil {
				return nil, err
			}
			obj.Position = obs.pose.Position
			obj.Covariance = obs.covariance
			obj.Support = obs.support
			monitoring.Logf("[Tracker] Found new object %s of class %q at (%.2f, %.2f)",
				obj.ID, obj.ClassID, obj.Position.X, obj.Position.Y)
		case obs.support > 0:
			pos, cov, ok := Fuse(obj.Position, obj.Covariance, obs.pose.Position, obs.covariance)
			if !ok {
				monitoring.Logf("[Tracker] Singular covariance fusing into %s, keeping latest observation", obj.ID)
			}
			obj.Position = pos
			obj.Covariance = cov
			obj.Support += obs.support
		default:
			obj.Support += obs.support
		}

		obj.Orientation = obs.pose.Orientation
		obj.Header = obs.header

		t.verify(ctx, obj)

		updated = obj.Object()
		return &updated, nil
	})
	if err != nil {
		return Object{}, err
	}
	return updated, nil
}

// associate finds the target of a percept. A nil object with nil error
// means a new object is required.
func (t *Tracker) associate(tx *ModelTx, obs observation) (*TrackedObject, error) {
	var obj *TrackedObject
	if obs.info.ObjectID != "" {
		found, ok := tx.Get(obs.info.ObjectID)
		if !ok {
			monitoring.Debugf("[Tracker] Ignoring percept for unknown object %s", obs.info.ObjectID)
			return nil, fmt.Errorf("percept for %s: %w", obs.info.ObjectID, ErrUnknownObject)
		}
		obj = found
	} else {
		obj = nearestObject(tx.Objects(), obs.info.ClassID, obs.pose.Position, obs.covariance)
	}

	if obj != nil && obj.State.Frozen() {
		monitoring.Debugf("[Tracker] Percept was associated to object %s, which has a fixed state", obj.ID)
		return nil, fmt.Errorf("percept for %s: %w", obj.ID, ErrObjectFixed)
	}
	return obj, nil
}

// normalize runs every step that does not need the model: obstacle
// projection, covariance defaulting, the frame change, the height band and
// support extraction.
func (t *Tracker) normalize(ctx context.Context, p PosePercept) (observation, error) {
	position := p.Pose.Position
	if !isFinite(position) {
		return observation{}, fmt.Errorf("%w: position %v is not finite", ErrInvalidPercept, position)
	}
	distance := position.Norm()

	if t.cfg.ProjectObjects {
		d, err := t.distanceToObstacle(ctx, p.Header, position)
		if err != nil {
			monitoring.Debugf("[Tracker] Ignoring percept due to unknown or infinite distance: %v", err)
			return observation{}, err
		}
		distance = d
		position = position.Normalize().Mul(d)
		monitoring.Debugf("[Tracker] Projected percept to a distance of %.1f m", d)
	}

	cov, err := geometry.CovarianceFromSlice(p.Covariance)
	if err == nil {
		cov, err = cov.Sanitize()
	}
	if err != nil {
		return observation{}, fmt.Errorf("%w: %v", ErrInvalidPercept, err)
	}
	if cov.IsZero() {
		tangential := math.Max(distance*distance, 1) * t.cfg.AngleVariance
		cov = geometry.Diagonal(t.cfg.DistanceVariance, tangential, tangential).
			Rotate(geometry.BearingQuaternion(position))
	}

	pose := geometry.Pose{Position: position, Orientation: p.Pose.Orientation}
	if pose.Orientation.IsZero() {
		pose.Orientation = geometry.IdentityQuaternion()
	}

	sensorHeight := 0.0
	if t.needsTransform(p.Header.FrameID) {
		tr, err := t.lookupTransform(ctx, p.Header)
		if err != nil {
			monitoring.Logf("[Tracker] %v", err)
			return observation{}, err
		}
		pose = tr.ApplyPose(pose)
		cov = cov.Rotate(tr.Rotation)
		sensorHeight = tr.Translation.Z
	}

	relativeHeight := pose.Position.Z - sensorHeight
	if !(relativeHeight >= t.cfg.MinHeight && relativeHeight <= t.cfg.MaxHeight) {
		monitoring.Logf("[Tracker] Discarding %q percept with height %.3f", p.Info.ClassID, relativeHeight)
		return observation{}, fmt.Errorf("height %.3f not in [%.3f, %.3f]: %w",
			relativeHeight, t.cfg.MinHeight, t.cfg.MaxHeight, ErrOutOfHeightBand)
	}

	support := p.Info.Support()
	if support == 0 {
		monitoring.Logf("[Tracker] Ignoring percept with support == 0")
		return observation{}, ErrZeroSupport
	}

	return observation{
		header:     Header{FrameID: t.cfg.FrameID, Stamp: p.Header.Stamp},
		info:       p.Info,
		pose:       pose,
		covariance: cov,
		support:    support,
	}, nil
}

func isFinite(v r3.Vector) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// needsTransform reports whether frame differs from the canonical frame.
// An empty frame is taken to be canonical already.
func (t *Tracker) needsTransform(frame string) bool {
	return t.cfg.FrameID != "" && frame != "" && frame != t.cfg.FrameID
}

func (t *Tracker) lookupTransform(ctx context.Context, h Header) (geometry.Transform, error) {
	if t.transformer == nil {
		return geometry.Transform{}, fmt.Errorf("%s -> %s: no transformer: %w", h.FrameID, t.cfg.FrameID, ErrTransformUnavailable)
	}
	tr, err := t.transformer.LookupTransform(ctx, t.cfg.FrameID, h.FrameID, h.Stamp)
	if err != nil {
		return geometry.Transform{}, fmt.Errorf("%s -> %s: %v: %w", h.FrameID, t.cfg.FrameID, err, ErrTransformUnavailable)
	}
	return tr, nil
}

func (t *Tracker) distanceToObstacle(ctx context.Context, h Header, point r3.Vector) (float64, error) {
	if t.ranger == nil {
		return 0, fmt.Errorf("no obstacle ranger: %w", ErrNoObstacleDistance)
	}
	d, err := t.ranger.DistanceToObstacle(ctx, h, point)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrNoObstacleDistance)
	}
	if d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return 0, fmt.Errorf("distance %v: %w", d, ErrNoObstacleDistance)
	}
	return d, nil
}

// SetObjectState changes an object's lifecycle state. It works on fixed
// objects too.
func (t *Tracker) SetObjectState(ctx context.Context, objectID string, state ObjectState) (Object, error) {
	var updated Object
	err := t.commit(ctx, func(tx *ModelTx) (*Object, error) {
		obj, ok := tx.Get(objectID)
		if !ok {
			return nil, fmt.Errorf("set state of %s: %w", objectID, ErrUnknownObject)
		}
		obj.State = state
		updated = obj.Object()
		monitoring.Logf("[Tracker] Object %s is now %s", objectID, state)
		return &updated, nil
	})
	if err != nil {
		return Object{}, err
	}
	return updated, nil
}

// AddObject inserts an object or overwrites the one with the same id. No
// association search is done.
func (t *Tracker) AddObject(ctx context.Context, req AddObjectRequest) (Object, error) {
	in := req.Object
	header := in.Header
	if header.Stamp.IsZero() {
		header.Stamp = t.clock.Now()
	}

	pose := in.Pose
	if !isFinite(pose.Position) {
		return Object{}, fmt.Errorf("%w: position %v is not finite", ErrInvalidObject, pose.Position)
	}
	if pose.Orientation.IsZero() {
		pose.Orientation = geometry.IdentityQuaternion()
	}
	if req.MapToNextObstacle {
		d, err := t.distanceToObstacle(ctx, header, pose.Position)
		if err != nil {
			monitoring.Debugf("[Tracker] Could not map object to next obstacle: %v", err)
			return Object{}, err
		}
		pose.Position = pose.Position.Normalize().Mul(d)
	}

	cov, err := in.Covariance.Sanitize()
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if cov.IsZero() {
		cov = geometry.IdentityCovariance()
	}

	if t.needsTransform(header.FrameID) {
		tr, err := t.lookupTransform(ctx, header)
		if err != nil {
			monitoring.Logf("[Tracker] %v", err)
			return Object{}, err
		}
		pose = tr.ApplyPose(pose)
		cov = cov.Rotate(tr.Rotation)
	}
	header.FrameID = t.cfg.FrameID

	var updated Object
	err = t.commit(ctx, func(tx *ModelTx) (*Object, error) {
		obj, ok := tx.Get(in.Info.ObjectID)
		if !ok {
			var err error
			obj, err = tx.Add(in.Info.ClassID, in.Info.ObjectID)
			if err != nil {
				return nil, err
			}
		} else if in.Info.ClassID != "" {
			obj.ClassID = in.Info.ClassID
		}
		obj.Header = header
		obj.Position = pose.Position
		obj.Orientation = pose.Orientation
		obj.Covariance = cov
		obj.State = in.State
		obj.Support = in.Info.Support

		updated = obj.Object()
		return &updated, nil
	})
	if err != nil {
		return Object{}, err
	}
	return updated, nil
}

// GetObjectModel returns a snapshot of every object.
func (t *Tracker) GetObjectModel() []Object {
	return t.model.Snapshot()
}

// GetObject returns a copy of one object.
func (t *Tracker) GetObject(objectID string) (Object, error) {
	obj, ok := t.model.Get(objectID)
	if !ok {
		return Object{}, fmt.Errorf("get %s: %w", objectID, ErrUnknownObject)
	}
	return obj, nil
}

// Reset clears the model and publishes the empty model.
func (t *Tracker) Reset(ctx context.Context) {
	_ = t.commit(ctx, func(tx *ModelTx) (*Object, error) {
		tx.Reset()
		return nil, nil
	})
	monitoring.Logf("[Tracker] Model reset")
}

// commit applies fn under the model lock and publishes the object it
// returns, if any, followed by the model. Publication of one commit
// finishes before the next commit publishes, so publishers never see an
// older model after a newer one.
func (t *Tracker) commit(ctx context.Context, fn func(tx *ModelTx) (*Object, error)) error {
	var obj *Object
	var snapshot []Object
	err := t.model.WithLock(func(tx *ModelTx) error {
		var err error
		if obj, err = fn(tx); err != nil {
			return err
		}
		snapshot = tx.Snapshot()
		t.publishMu.Lock()
		return nil
	})
	if err != nil {
		return err
	}
	defer t.publishMu.Unlock()

	if obj != nil {
		t.publisher.PublishObject(ctx, *obj)
	}
	t.publisher.PublishModel(ctx, snapshot)
	return nil
}

// LogDrop logs a percept error at the level matching its kind. Transports
// call it so a bad percept never stops their loop.
func LogDrop(source string, err error) {
	if err == nil {
		return
	}
	if IsDrop(err) || errors.Is(err, ErrInvalidPercept) {
		monitoring.Debugf("[%s] percept dropped: %v", source, err)
		return
	}
	monitoring.Logf("[%s] percept failed: %v", source, err)
}
