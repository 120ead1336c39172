package worldmodel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/worldmodel/internal/camera"
	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/banshee-data/worldmodel/internal/timeutil"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(cfg TrackerConfig, deps Dependencies) *Tracker {
	return NewTracker(cfg, nil, deps)
}

// --------------------------------------------------------------------------
// Association and fusion
// --------------------------------------------------------------------------

func TestTracker_MergesWithinThreshold(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	first, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	// d² = 0.25 / 2 = 0.125
	merged, err := tr.HandlePosePercept(ctx, percept("victim", 0.5, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	assert.Equal(t, first.Info.ObjectID, merged.Info.ObjectID)
	assert.Equal(t, 1, tr.Model().Len())
	assert.InDelta(t, 0.25, merged.Pose.Position.X, 1e-9)
	assert.InDelta(t, 0.5, merged.Covariance.At(0, 0), 1e-9)
	assert.InDelta(t, 0.5, merged.Covariance.At(2, 2), 1e-9)
	assert.Equal(t, 2.0, merged.Info.Support)
}

func TestTracker_SplitsBeyondThreshold(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	_, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	// d² = 9 / 2 = 4.5
	_, err = tr.HandlePosePercept(ctx, percept("victim", 3, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	assert.Equal(t, 2, tr.Model().Len())
}

func TestTracker_AssociationRespectsClass(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	_, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	_, err = tr.HandlePosePercept(ctx, percept("hazmat", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Model().Len())

	// Without a class or an object id a percept carries no support.
	p := percept("", 0.1, 0, 0, 1, identityCov())
	p.Info.ObjectSupport = 1
	_, err = tr.HandlePosePercept(ctx, p)
	assert.ErrorIs(t, err, ErrZeroSupport)
}

func TestTracker_NegativeSupportOnlyAdjustsSupport(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	first, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 2, identityCov()))
	require.NoError(t, err)
	after, err := tr.HandlePosePercept(ctx, percept("victim", 0.5, 0, 0, -0.5, identityCov()))
	require.NoError(t, err)

	assert.Equal(t, first.Info.ObjectID, after.Info.ObjectID)
	assert.Equal(t, first.Pose.Position, after.Pose.Position)
	assert.Equal(t, first.Covariance, after.Covariance)
	assert.Equal(t, 1.5, after.Info.Support)
}

func TestTracker_DiscardedExcludedFromAssociation(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	first, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	_, err = tr.SetObjectState(ctx, first.Info.ObjectID, StateDiscarded)
	require.NoError(t, err)

	second, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	assert.NotEqual(t, first.Info.ObjectID, second.Info.ObjectID)

	snap := tr.GetObjectModel()
	require.Len(t, snap, 2)
	assert.Equal(t, StateDiscarded, snap[0].State, "discarded objects stay in snapshots")
}

func TestTracker_ExplicitObjectIDBypassesAssociation(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	first, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	// Far away, but addressed by id.
	p := percept("victim", 10, 0, 0, 0, identityCov())
	p.Info.ObjectID = first.Info.ObjectID
	p.Info.ObjectSupport = 3
	got, err := tr.HandlePosePercept(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.Info.ObjectID, got.Info.ObjectID)
	assert.Equal(t, 4.0, got.Info.Support)
	assert.InDelta(t, 5.0, got.Pose.Position.X, 1e-9)
	assert.Equal(t, 1, tr.Model().Len())
}

func TestTracker_ExplicitUnknownObjectIDIsDropped(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})

	p := percept("victim", 0, 0, 0, 0, nil)
	p.Info.ObjectID = "victim_42"
	p.Info.ObjectSupport = 1
	_, err := tr.HandlePosePercept(context.Background(), p)
	assert.ErrorIs(t, err, ErrUnknownObject)
	assert.True(t, IsDrop(err))
	assert.Equal(t, 0, tr.Model().Len())
}

// --------------------------------------------------------------------------
// Normalisation
// --------------------------------------------------------------------------

func TestTracker_ZeroSupportNeverMutates(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Publisher: pub})
	ctx := context.Background()

	_, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	before := tr.GetObjectModel()
	events := len(pub.all())

	_, err = tr.HandlePosePercept(ctx, percept("victim", 0.1, 0, 0, 0, identityCov()))
	assert.ErrorIs(t, err, ErrZeroSupport)
	assert.Empty(t, cmp.Diff(before, tr.GetObjectModel()))
	assert.Len(t, pub.all(), events)
}

func TestTracker_HeightBand(t *testing.T) {
	t.Parallel()
	cfg := DefaultTrackerConfig()
	cfg.MinHeight = 0
	cfg.MaxHeight = 1
	tf := &fakeTransformer{transforms: map[string]geometry.Transform{
		"base->map": geometry.NewTransform(0, 0, 1.5, 0, 0, 0),
	}}
	tr := newTestTracker(cfg, Dependencies{Transformer: tf})
	ctx := context.Background()

	_, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 2, 1, nil))
	assert.ErrorIs(t, err, ErrOutOfHeightBand)
	_, err = tr.HandlePosePercept(ctx, percept("victim", 0, 0, -0.5, 1, nil))
	assert.ErrorIs(t, err, ErrOutOfHeightBand)
	assert.Equal(t, 0, tr.Model().Len())

	// 0.5 above a sensor at z=1.5 is 2.0 in the map but inside the band.
	p := percept("victim", 1, 0, 0.5, 1, nil)
	p.Header.FrameID = "base"
	obj, err := tr.HandlePosePercept(ctx, p)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, obj.Pose.Position.Z, 1e-9)
	assert.Equal(t, "map", obj.Header.FrameID)
}

func TestTracker_DefaultCovariance(t *testing.T) {
	t.Parallel()
	cfg := DefaultTrackerConfig()
	cfg.AngleVariance = 0.01
	cfg.DistanceVariance = 0.5
	tr := newTestTracker(cfg, Dependencies{})

	obj, err := tr.HandlePosePercept(context.Background(), percept("victim", 2, 0, 0, 1, nil))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, obj.Covariance.At(0, 0), 1e-9)
	assert.InDelta(t, 0.04, obj.Covariance.At(1, 1), 1e-9)
	assert.InDelta(t, 0.04, obj.Covariance.At(2, 2), 1e-9)

	// Close percepts never shrink tangential variance below angle variance.
	obj, err = tr.HandlePosePercept(context.Background(), percept("door", 0.5, 0, 0, 1, nil))
	require.NoError(t, err)
	assert.InDelta(t, 0.01, obj.Covariance.At(1, 1), 1e-9)
}

func TestTracker_DefaultCovarianceFollowsBearing(t *testing.T) {
	t.Parallel()
	cfg := DefaultTrackerConfig()
	cfg.AngleVariance = 0.01
	tr := newTestTracker(cfg, Dependencies{})

	obj, err := tr.HandlePosePercept(context.Background(), percept("victim", 0, 3, 0, 1, nil))
	require.NoError(t, err)
	assert.InDelta(t, 0.09, obj.Covariance.At(0, 0), 1e-9)
	assert.InDelta(t, 1.0, obj.Covariance.At(1, 1), 1e-9)
}

func TestTracker_TransformRotatesPoseAndCovariance(t *testing.T) {
	t.Parallel()
	cfg := DefaultTrackerConfig()
	cfg.AngleVariance = 0.01
	tf := &fakeTransformer{transforms: map[string]geometry.Transform{
		"camera->map": geometry.NewTransform(1, 1, 0, 0, 0, math.Pi/2),
	}}
	tr := newTestTracker(cfg, Dependencies{Transformer: tf})

	p := percept("victim", 2, 0, 0, 1, nil)
	p.Header.FrameID = "camera"
	obj, err := tr.HandlePosePercept(context.Background(), p)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, obj.Pose.Position.X, 1e-9)
	assert.InDelta(t, 3.0, obj.Pose.Position.Y, 1e-9)
	assert.InDelta(t, 0.04, obj.Covariance.At(0, 0), 1e-9)
	assert.InDelta(t, 1.0, obj.Covariance.At(1, 1), 1e-9)
	assert.InDelta(t, math.Pi/2, obj.Pose.Orientation.Yaw(), 1e-9)
}

func TestTracker_MissingTransformDrops(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Transformer: &fakeTransformer{}})

	p := percept("victim", 1, 0, 0, 1, nil)
	p.Header.FrameID = "nowhere"
	_, err := tr.HandlePosePercept(context.Background(), p)
	assert.ErrorIs(t, err, ErrTransformUnavailable)
	assert.True(t, IsDrop(err))
	assert.Equal(t, 0, tr.Model().Len())
}

func TestTracker_ProjectObjects(t *testing.T) {
	t.Parallel()
	cfg := DefaultTrackerConfig()
	cfg.ProjectObjects = true
	ctx := context.Background()

	ranger := &fakeRanger{distance: 5}
	tr := newTestTracker(cfg, Dependencies{Ranger: ranger})
	obj, err := tr.HandlePosePercept(ctx, percept("victim", 0, 1, 0, 1, nil))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, obj.Pose.Position.Y, 1e-9)

	for name, r := range map[string]*fakeRanger{
		"zero":     {distance: 0},
		"negative": {distance: -1},
		"error":    {distance: 3, err: fmt.Errorf("timeout")},
	} {
		tr := newTestTracker(cfg, Dependencies{Ranger: r})
		_, err := tr.HandlePosePercept(ctx, percept("victim", 0, 1, 0, 1, nil))
		assert.ErrorIs(t, err, ErrNoObstacleDistance, name)
		assert.Equal(t, 0, tr.Model().Len(), name)
	}

	noRanger := newTestTracker(cfg, Dependencies{})
	_, err = noRanger.HandlePosePercept(ctx, percept("victim", 0, 1, 0, 1, nil))
	assert.ErrorIs(t, err, ErrNoObstacleDistance)
}

func TestTracker_InvalidCovarianceLength(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	_, err := tr.HandlePosePercept(context.Background(), percept("victim", 0, 0, 0, 1, []float64{1, 2, 3}))
	assert.ErrorIs(t, err, ErrInvalidPercept)
}

func TestTracker_IndefiniteCovarianceRejected(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()
	indefinite := []float64{1, 5, 0, 0, -2, 0, 0, 0, 1}

	for i := 0; i < 2; i++ {
		_, err := tr.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, indefinite))
		assert.ErrorIs(t, err, ErrInvalidPercept)
		assert.False(t, IsDrop(err))
	}
	assert.Equal(t, 0, tr.Model().Len())

	_, err := tr.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, []float64{1, 0, 0, 0, math.NaN(), 0, 0, 0, 1}))
	assert.ErrorIs(t, err, ErrInvalidPercept)
}

func TestTracker_AsymmetricCovarianceIsSymmetrized(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()
	skewed := []float64{2, 1, 0, 0, 2, 0, 0, 0, 1}

	first, err := tr.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, skewed))
	require.NoError(t, err)
	assert.Equal(t, first.Covariance.At(0, 1), first.Covariance.At(1, 0))
	assert.Equal(t, 0.5, first.Covariance.At(0, 1))

	second, err := tr.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, skewed))
	require.NoError(t, err)
	assert.Equal(t, first.Info.ObjectID, second.Info.ObjectID)
	assert.Equal(t, 1, tr.Model().Len())
}

func TestTracker_NonFinitePositionRejected(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	_, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, math.NaN(), 1, nil))
	assert.ErrorIs(t, err, ErrInvalidPercept)
	_, err = tr.HandlePosePercept(ctx, percept("victim", math.Inf(1), 0, 0, 1, nil))
	assert.ErrorIs(t, err, ErrInvalidPercept)
	assert.Equal(t, 0, tr.Model().Len())
}

// --------------------------------------------------------------------------
// Image percepts
// --------------------------------------------------------------------------

func imagePercept(x, y float64) ImagePercept {
	return ImagePercept{
		Header:     Header{FrameID: "map", Stamp: epoch},
		Info:       PerceptInfo{ClassID: "victim", ClassSupport: 1},
		X:          x,
		Y:          y,
		Width:      20,
		Height:     20,
		CameraInfo: camera.Info{P: [12]float64{500, 0, 320, 0, 0, 500, 240, 0, 0, 0, 1, 0}},
	}
}

func TestTracker_ImagePerceptCenterPixel(t *testing.T) {
	t.Parallel()
	cfg := DefaultTrackerConfig()
	cfg.DefaultDistance = 2
	tr := newTestTracker(cfg, Dependencies{})

	obj, err := tr.HandleImagePercept(context.Background(), imagePercept(310, 230))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, obj.Pose.Position.X, 1e-9)
	assert.InDelta(t, 0.0, obj.Pose.Position.Y, 1e-9)
	assert.InDelta(t, 0.0, obj.Pose.Orientation.Yaw(), 1e-9)
}

func TestTracker_ImagePerceptBearing(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})

	// 500 px right of centre at f=500 is 45° to the right, 250 px up is
	// upward pitch.
	obj, err := tr.HandleImagePercept(context.Background(), imagePercept(810, -20))
	require.NoError(t, err)
	pos := obj.Pose.Position
	assert.InDelta(t, 1.0, pos.Norm(), 1e-9)
	assert.Less(t, pos.Y, 0.0)
	assert.Greater(t, pos.Z, 0.0)
	assert.InDelta(t, pos.X, -pos.Y, 1e-9)
	assert.InDelta(t, -math.Pi/4, obj.Pose.Orientation.Yaw(), 1e-9)
	roll, pitch, _ := obj.Pose.Orientation.RPY()
	assert.InDelta(t, 0.0, roll, 1e-9)
	assert.Less(t, pitch, 0.0)
}

func TestTracker_ImagePerceptBadCamera(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	p := imagePercept(0, 0)
	p.CameraInfo = camera.Info{}
	_, err := tr.HandleImagePercept(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidPercept)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestTracker_FixedObjectsAreFrozen(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	obj, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	fixed, err := tr.SetObjectState(ctx, obj.Info.ObjectID, StateFixed)
	require.NoError(t, err)

	_, err = tr.HandlePosePercept(ctx, percept("victim", 0.2, 0, 0, 5, identityCov()))
	assert.ErrorIs(t, err, ErrObjectFixed)

	byID := percept("victim", 0.2, 0, 0, 0, identityCov())
	byID.Info.ObjectID = obj.Info.ObjectID
	byID.Info.ObjectSupport = 5
	_, err = tr.HandlePosePercept(ctx, byID)
	assert.ErrorIs(t, err, ErrObjectFixed)

	got, err := tr.GetObject(obj.Info.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, fixed, got)
	assert.Equal(t, 1, tr.Model().Len())

	// Explicit requests can still unfreeze it.
	active, err := tr.SetObjectState(ctx, obj.Info.ObjectID, StateActive)
	require.NoError(t, err)
	assert.Equal(t, StateActive, active.State)
}

func TestTracker_SetObjectStateUnknown(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Publisher: pub})
	_, err := tr.SetObjectState(context.Background(), "ghost", StateConfirmed)
	assert.ErrorIs(t, err, ErrUnknownObject)
	assert.Empty(t, pub.all())
}

// --------------------------------------------------------------------------
// Verification
// --------------------------------------------------------------------------

func TestTracker_UnknownVoteChangesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	plain := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	verified := newTestTracker(DefaultTrackerConfig(), Dependencies{Verifiers: []Verifier{
		&fakeVerifier{name: "unknown", vote: VoteUnknown},
		&fakeVerifier{name: "broken", vote: VoteConfirm, err: errVerifierDown},
	}})

	want, err := plain.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	got, err := verified.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	assert.Equal(t, want.Info.Support, got.Info.Support)
	assert.Equal(t, want.State, got.State)
}

func TestTracker_DiscardAndConfirmAreAdditive(t *testing.T) {
	t.Parallel()
	first := &fakeVerifier{name: "a", vote: VoteConfirm}
	discard := &fakeVerifier{name: "b", vote: VoteDiscard}
	last := &fakeVerifier{name: "c", vote: VoteConfirm}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Verifiers: []Verifier{first, discard, last}})

	obj, err := tr.HandlePosePercept(context.Background(), percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	assert.Equal(t, 1+2*ConfirmSupportBonus, obj.Info.Support)
	assert.Equal(t, StateDiscarded, obj.State)

	// Each verifier sees what the previous one left behind.
	require.Len(t, last.calls(), 1)
	assert.Equal(t, StateDiscarded, last.calls()[0].State)
	assert.Equal(t, 1+ConfirmSupportBonus, last.calls()[0].Info.Support)
}

func TestTracker_VerifierTimeoutIsIgnored(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	cfg := DefaultTrackerConfig()
	cfg.VerificationTimeout = 20 * time.Millisecond
	slow := &fakeVerifier{name: "slow", vote: VoteDiscard, block: block}
	after := &fakeVerifier{name: "after", vote: VoteConfirm}
	tr := newTestTracker(cfg, Dependencies{Verifiers: []Verifier{slow, after}})

	obj, err := tr.HandlePosePercept(context.Background(), percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	assert.Equal(t, StateActive, obj.State)
	assert.Equal(t, 1+ConfirmSupportBonus, obj.Info.Support)
}

// --------------------------------------------------------------------------
// Publishing and snapshots
// --------------------------------------------------------------------------

func TestTracker_PublishesObjectThenModel(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Publisher: pub})

	obj, err := tr.HandlePosePercept(context.Background(), percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, "object", events[0].kind)
	assert.Equal(t, obj, events[0].object)
	assert.Equal(t, "model", events[1].kind)
	assert.Equal(t, []Object{obj}, events[1].objects)
}

func TestTracker_SnapshotReflectsLatestMutation(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		obj, err := tr.HandlePosePercept(ctx, percept("victim", 0.1*float64(i), 0, 0, 1, identityCov()))
		require.NoError(t, err)
		snap := tr.GetObjectModel()
		require.Len(t, snap, 1)
		assert.Equal(t, obj, snap[0])
	}
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	_, err := tr.HandlePosePercept(context.Background(), percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	snap := tr.GetObjectModel()
	snap[0].Info.Support = 1000
	assert.Equal(t, 1.0, tr.GetObjectModel()[0].Info.Support)
}

func TestTracker_ResetPublishesEmptyModel(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Publisher: pub})
	ctx := context.Background()

	first, err := tr.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	tr.Reset(ctx)
	assert.Equal(t, 0, tr.Model().Len())

	events := pub.all()
	last := events[len(events)-1]
	assert.Equal(t, "model", last.kind)
	assert.NotNil(t, last.objects)
	assert.Empty(t, last.objects)

	second, err := tr.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, identityCov()))
	require.NoError(t, err)
	assert.NotEqual(t, first.Info.ObjectID, second.Info.ObjectID, "ids are not reused after reset")
}

func TestTracker_ResetPublishedAfterInFlightPercept(t *testing.T) {
	t.Parallel()
	pub := newBlockingPublisher()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Publisher: pub})
	ctx := context.Background()

	perceptDone := make(chan error, 1)
	go func() {
		_, err := tr.HandlePosePercept(ctx, percept("victim", 1, 0, 0, 1, identityCov()))
		perceptDone <- err
	}()
	<-pub.blocked

	resetDone := make(chan struct{})
	go func() {
		tr.Reset(ctx)
		close(resetDone)
	}()
	select {
	case <-resetDone:
		t.Fatal("reset published while an earlier mutation was still publishing")
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	require.NoError(t, <-perceptDone)
	<-resetDone

	assert.Equal(t, 0, tr.Model().Len())
	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, "object", events[0].kind)
	assert.Equal(t, "model", events[1].kind)
	assert.Len(t, events[1].objects, 1)
	assert.Equal(t, "model", events[2].kind)
	assert.Empty(t, events[2].objects)
}

func TestTracker_ConcurrentCreationYieldsUniqueIDs(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	const n = 64
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obj, err := tr.HandlePosePercept(ctx, percept("victim", float64(i)*100, 0, 0, 1, identityCov()))
			if err == nil {
				ids[i] = obj.Info.ObjectID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, n, tr.Model().Len())
}

func TestTracker_ConcurrentIdenticalPerceptsMerge(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.HandlePosePercept(ctx, percept("victim", 1, 1, 0, 1, identityCov()))
		}()
	}
	wg.Wait()

	snap := tr.GetObjectModel()
	require.Len(t, snap, 1)
	assert.Equal(t, 32.0, snap[0].Info.Support)
}

// --------------------------------------------------------------------------
// Add object
// --------------------------------------------------------------------------

func TestTracker_AddObjectDefaults(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	pub := &recordingPublisher{}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Clock: clock, Publisher: pub})

	obj, err := tr.AddObject(context.Background(), AddObjectRequest{Object: Object{
		Info:  ObjectInfo{ClassID: "door", Support: 3},
		Pose:  geometry.Pose{Position: r3.Vector{X: 1, Y: 2}},
		State: StateConfirmed,
	}})
	require.NoError(t, err)

	assert.Equal(t, "door_1", obj.Info.ObjectID)
	assert.Equal(t, epoch, obj.Header.Stamp)
	assert.Equal(t, "map", obj.Header.FrameID)
	assert.Equal(t, geometry.IdentityCovariance(), obj.Covariance)
	assert.Equal(t, geometry.IdentityQuaternion(), obj.Pose.Orientation)
	assert.Equal(t, StateConfirmed, obj.State)
	assert.Equal(t, 3.0, obj.Info.Support)
	assert.Len(t, pub.all(), 2)
}

func TestTracker_AddObjectUpdatesExisting(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	ctx := context.Background()

	obj, err := tr.HandlePosePercept(ctx, percept("victim", 0, 0, 0, 1, identityCov()))
	require.NoError(t, err)

	got, err := tr.AddObject(ctx, AddObjectRequest{Object: Object{
		Header: Header{FrameID: "map", Stamp: epoch},
		Info:   ObjectInfo{ObjectID: obj.Info.ObjectID, Support: 50},
		Pose:   geometry.Pose{Position: r3.Vector{X: 4}},
		State:  StateFixed,
	}})
	require.NoError(t, err)
	assert.Equal(t, obj.Info.ObjectID, got.Info.ObjectID)
	assert.Equal(t, "victim", got.Info.ClassID)
	assert.Equal(t, 4.0, got.Pose.Position.X)
	assert.Equal(t, StateFixed, got.State)
	assert.Equal(t, 1, tr.Model().Len())
}

func TestTracker_AddObjectWithExplicitNewID(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{})
	obj, err := tr.AddObject(context.Background(), AddObjectRequest{Object: Object{
		Header: Header{Stamp: epoch},
		Info:   ObjectInfo{ClassID: "victim", ObjectID: "victim_manual"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "victim_manual", obj.Info.ObjectID)
}

func TestTracker_AddObjectMapToNextObstacle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	req := AddObjectRequest{
		Object: Object{
			Header: Header{FrameID: "map", Stamp: epoch},
			Info:   ObjectInfo{ClassID: "victim"},
			Pose:   geometry.Pose{Position: r3.Vector{X: 3, Y: 4}},
		},
		MapToNextObstacle: true,
	}

	_, err := newTestTracker(DefaultTrackerConfig(), Dependencies{}).AddObject(ctx, req)
	assert.ErrorIs(t, err, ErrNoObstacleDistance)

	_, err = newTestTracker(DefaultTrackerConfig(), Dependencies{Ranger: &fakeRanger{distance: -1}}).AddObject(ctx, req)
	assert.ErrorIs(t, err, ErrNoObstacleDistance)

	obj, err := newTestTracker(DefaultTrackerConfig(), Dependencies{Ranger: &fakeRanger{distance: 10}}).AddObject(ctx, req)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, obj.Pose.Position.X, 1e-9)
	assert.InDelta(t, 8.0, obj.Pose.Position.Y, 1e-9)
}

func TestTracker_AddObjectTransformFailure(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Transformer: &fakeTransformer{}})
	_, err := tr.AddObject(context.Background(), AddObjectRequest{Object: Object{
		Header: Header{FrameID: "camera", Stamp: epoch},
		Info:   ObjectInfo{ClassID: "victim"},
	}})
	assert.ErrorIs(t, err, ErrTransformUnavailable)
	assert.Equal(t, 0, tr.Model().Len())
}

func TestTracker_AddObjectRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Publisher: pub})
	ctx := context.Background()

	_, err := tr.AddObject(ctx, AddObjectRequest{Object: Object{
		Header:     Header{FrameID: "map", Stamp: epoch},
		Info:       ObjectInfo{ClassID: "victim"},
		Covariance: geometry.Covariance{1, 5, 0, 0, -2, 0, 0, 0, 1},
	}})
	assert.ErrorIs(t, err, ErrInvalidObject)

	_, err = tr.AddObject(ctx, AddObjectRequest{Object: Object{
		Header: Header{FrameID: "map", Stamp: epoch},
		Info:   ObjectInfo{ClassID: "victim"},
		Pose:   geometry.Pose{Position: r3.Vector{Z: math.NaN()}},
	}})
	assert.ErrorIs(t, err, ErrInvalidObject)

	assert.Equal(t, 0, tr.Model().Len())
	assert.Empty(t, pub.all())

	obj, err := tr.AddObject(ctx, AddObjectRequest{Object: Object{
		Header:     Header{FrameID: "map", Stamp: epoch},
		Info:       ObjectInfo{ClassID: "victim"},
		Covariance: geometry.Covariance{2, 1, 0, 0, 2, 0, 0, 0, 1},
	}})
	require.NoError(t, err)
	assert.Equal(t, 0.5, obj.Covariance.At(1, 0))
}

func TestTracker_AddObjectTransformsCovariance(t *testing.T) {
	t.Parallel()
	tf := &fakeTransformer{transforms: map[string]geometry.Transform{
		"camera->map": geometry.NewTransform(0, 0, 0, 0, 0, math.Pi/2),
	}}
	tr := newTestTracker(DefaultTrackerConfig(), Dependencies{Transformer: tf})
	obj, err := tr.AddObject(context.Background(), AddObjectRequest{Object: Object{
		Header:     Header{FrameID: "camera", Stamp: epoch},
		Info:       ObjectInfo{ClassID: "victim"},
		Pose:       geometry.Pose{Position: r3.Vector{X: 1}},
		Covariance: geometry.Diagonal(4, 1, 1),
	}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, obj.Pose.Position.Y, 1e-9)
	assert.InDelta(t, 1.0, obj.Covariance.At(0, 0), 1e-9)
	assert.InDelta(t, 4.0, obj.Covariance.At(1, 1), 1e-9)
}
