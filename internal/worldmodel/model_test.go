package worldmodel

import (
	"encoding/json"
	"testing"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// ObjectModel
// --------------------------------------------------------------------------

func TestObjectModel_AutoIDs(t *testing.T) {
	t.Parallel()
	m := NewObjectModel()
	var ids []string
	err := m.WithLock(func(tx *ModelTx) error {
		for _, class := range []string{"victim", "", "victim"} {
			obj, err := tx.Add(class, "")
			if err != nil {
				return err
			}
			ids = append(ids, obj.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"victim_1", "object_2", "victim_3"}, ids)
}

func TestObjectModel_AutoIDSkipsTakenIDs(t *testing.T) {
	t.Parallel()
	m := NewObjectModel()
	err := m.WithLock(func(tx *ModelTx) error {
		if _, err := tx.Add("victim", "victim_1"); err != nil {
			return err
		}
		obj, err := tx.Add("victim", "")
		if err != nil {
			return err
		}
		assert.Equal(t, "victim_2", obj.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestObjectModel_DuplicateExplicitID(t *testing.T) {
	t.Parallel()
	m := NewObjectModel()
	err := m.WithLock(func(tx *ModelTx) error {
		_, err := tx.Add("victim", "a")
		require.NoError(t, err)
		_, err = tx.Add("victim", "a")
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicateObject)
	assert.Equal(t, 1, m.Len())
}

func TestObjectModel_WithLockReleasesOnPanic(t *testing.T) {
	t.Parallel()
	m := NewObjectModel()
	assert.Panics(t, func() {
		_ = m.WithLock(func(*ModelTx) error { panic("boom") })
	})
	// Would deadlock if the lock were still held.
	assert.Equal(t, 0, m.Len())
}

func TestObjectModel_InsertionOrderAndReset(t *testing.T) {
	t.Parallel()
	m := NewObjectModel()
	require.NoError(t, m.WithLock(func(tx *ModelTx) error {
		for _, id := range []string{"c", "a", "b"} {
			if _, err := tx.Add("x", id); err != nil {
				return err
			}
		}
		return nil
	}))

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "c", snap[0].Info.ObjectID)
	assert.Equal(t, "b", snap[2].Info.ObjectID)

	_, ok := m.Get("a")
	assert.True(t, ok)

	m.Reset()
	assert.Empty(t, m.Snapshot())
	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestObjectModel_Restore(t *testing.T) {
	t.Parallel()
	m := NewObjectModel()
	err := m.Restore([]Object{
		{Info: ObjectInfo{ClassID: "victim", ObjectID: "victim_1", Support: 7}, State: StateFixed},
		{Info: ObjectInfo{ClassID: "victim", ObjectID: "victim_1"}},
	})
	assert.ErrorIs(t, err, ErrDuplicateObject)

	obj, ok := m.Get("victim_1")
	require.True(t, ok)
	assert.Equal(t, 7.0, obj.Info.Support)
	assert.Equal(t, StateFixed, obj.State)

	require.NoError(t, m.WithLock(func(tx *ModelTx) error {
		next, err := tx.Add("victim", "")
		assert.Equal(t, "victim_2", next.ID)
		return err
	}))
}

// --------------------------------------------------------------------------
// Association math
// --------------------------------------------------------------------------

func TestMahalanobisDistanceSquared(t *testing.T) {
	t.Parallel()
	id := geometry.IdentityCovariance()

	d, ok := MahalanobisDistanceSquared(r3.Vector{}, id, r3.Vector{X: 0.5}, id)
	require.True(t, ok)
	assert.InDelta(t, 0.125, d, 1e-12)

	d, ok = MahalanobisDistanceSquared(r3.Vector{}, id, r3.Vector{X: 3}, id)
	require.True(t, ok)
	assert.InDelta(t, 4.5, d, 1e-12)

	d, ok = MahalanobisDistanceSquared(r3.Vector{}, geometry.Covariance{}, r3.Vector{}, geometry.Covariance{})
	assert.False(t, ok)
	assert.Equal(t, SingularDistanceRejection, d)
}

func TestNearestObject(t *testing.T) {
	t.Parallel()
	id := geometry.IdentityCovariance()
	objects := []*TrackedObject{
		{ID: "far", ClassID: "victim", Position: r3.Vector{X: 0.9}, Covariance: id},
		{ID: "near", ClassID: "victim", Position: r3.Vector{X: 0.2}, Covariance: id},
		{ID: "other", ClassID: "door", Position: r3.Vector{}, Covariance: id},
		{ID: "gone", ClassID: "victim", Position: r3.Vector{}, Covariance: id, State: StateDiscarded},
	}

	got := nearestObject(objects, "victim", r3.Vector{}, id)
	require.NotNil(t, got)
	assert.Equal(t, "near", got.ID)

	got = nearestObject(objects, "", r3.Vector{}, id)
	require.NotNil(t, got)
	assert.Equal(t, "other", got.ID, "empty class matches every class")

	assert.Nil(t, nearestObject(objects, "victim", r3.Vector{X: 10}, id))
}

func TestFuse(t *testing.T) {
	t.Parallel()
	x, p, ok := Fuse(r3.Vector{}, geometry.Diagonal(1, 4, 1), r3.Vector{X: 2, Y: 2}, geometry.Diagonal(1, 1, 1))
	require.True(t, ok)
	assert.InDelta(t, 1.0, x.X, 1e-12)
	assert.InDelta(t, 1.6, x.Y, 1e-12)
	assert.InDelta(t, 0.5, p.At(0, 0), 1e-12)
	assert.InDelta(t, 0.8, p.At(1, 1), 1e-12)
	// Never less certain than the tighter input.
	assert.LessOrEqual(t, p.At(1, 1), 1.0)

	x, p, ok = Fuse(r3.Vector{}, geometry.Covariance{}, r3.Vector{X: 2}, geometry.Covariance{})
	assert.False(t, ok)
	assert.Equal(t, r3.Vector{X: 2}, x)
	assert.True(t, p.IsZero())
}

// --------------------------------------------------------------------------
// Representation
// --------------------------------------------------------------------------

func TestObjectState_JSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(StateFixed)
	require.NoError(t, err)
	assert.Equal(t, `"fixed"`, string(b))

	var s ObjectState
	require.NoError(t, json.Unmarshal([]byte(`"confirmed"`), &s))
	assert.Equal(t, StateConfirmed, s)
	require.NoError(t, json.Unmarshal([]byte(`2`), &s))
	assert.Equal(t, StateDiscarded, s)
	assert.Error(t, json.Unmarshal([]byte(`"melted"`), &s))

	assert.True(t, StateFixed.Frozen())
	assert.False(t, StateDiscarded.Frozen())
}

func TestParseVote(t *testing.T) {
	t.Parallel()
	assert.Equal(t, VoteConfirm, ParseVote("CONFIRM"))
	assert.Equal(t, VoteDiscard, ParseVote(" discard "))
	assert.Equal(t, VoteUnknown, ParseVote("maybe"))
}

func TestPerceptInfo_Support(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2.0, PerceptInfo{ObjectID: "a", ObjectSupport: 2, ClassID: "x", ClassSupport: 5}.Support())
	assert.Equal(t, 5.0, PerceptInfo{ClassID: "x", ClassSupport: 5, ObjectSupport: 2}.Support())
	assert.Equal(t, 0.0, PerceptInfo{ClassSupport: 5, ObjectSupport: 2}.Support())
}
