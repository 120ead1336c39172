package worldmodel

import (
	"fmt"
	"sync"
)

// ObjectModel is the ordered set of tracked objects. All access goes
// through WithLock or the snapshot helpers, which hand out copies.
type ObjectModel struct {
	mu      sync.Mutex
	objects []*TrackedObject
	index   map[string]*TrackedObject
	// nextID is never rewound, not even by Reset, so auto-assigned ids stay
	// unique for the lifetime of the model.
	nextID int64
}

// NewObjectModel returns an empty model.
func NewObjectModel() *ObjectModel {
	return &ObjectModel{
		index:  make(map[string]*TrackedObject),
		nextID: 1,
	}
}

// ModelTx is the handle passed to WithLock callbacks. It must not escape the
// callback.
type ModelTx struct {
	m *ObjectModel
}

// WithLock runs fn with exclusive access to the model. The lock is released
// on every exit path, including a panic in fn.
func (m *ObjectModel) WithLock(fn func(tx *ModelTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&ModelTx{m: m})
}

// Add creates an object. An empty objectID is replaced by an auto-assigned
// "<class>_<n>" id (or "object_<n>" when the class is empty).
func (tx *ModelTx) Add(classID, objectID string) (*TrackedObject, error) {
	m := tx.m
	if objectID == "" {
		prefix := classID
		if prefix == "" {
			prefix = "object"
		}
		for {
			objectID = fmt.Sprintf("%s_%d", prefix, m.nextID)
			m.nextID++
			if _, taken := m.index[objectID]; !taken {
				break
			}
		}
	} else if _, exists := m.index[objectID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateObject, objectID)
	}

	obj := &TrackedObject{ID: objectID, ClassID: classID, State: StateActive}
	m.objects = append(m.objects, obj)
	m.index[objectID] = obj
	return obj, nil
}

// Get looks up an object by id.
func (tx *ModelTx) Get(objectID string) (*TrackedObject, bool) {
	obj, ok := tx.m.index[objectID]
	return obj, ok
}

// Objects returns the live objects in insertion order. The slice is fresh
// but its elements point into the model.
func (tx *ModelTx) Objects() []*TrackedObject {
	return append([]*TrackedObject(nil), tx.m.objects...)
}

// Len returns the number of objects.
func (tx *ModelTx) Len() int { return len(tx.m.objects) }

// Snapshot copies every object into public form.
func (tx *ModelTx) Snapshot() []Object {
	out := make([]Object, 0, len(tx.m.objects))
	for _, obj := range tx.m.objects {
		out = append(out, obj.Object())
	}
	return out
}

// Reset removes every object. The id counter keeps counting.
func (tx *ModelTx) Reset() {
	tx.m.objects = nil
	tx.m.index = make(map[string]*TrackedObject)
}

// Snapshot returns copies of all objects in insertion order.
func (m *ObjectModel) Snapshot() []Object {
	var out []Object
	_ = m.WithLock(func(tx *ModelTx) error {
		out = tx.Snapshot()
		return nil
	})
	return out
}

// Get returns a copy of one object.
func (m *ObjectModel) Get(objectID string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.index[objectID]
	if !ok {
		return Object{}, false
	}
	return obj.Object(), true
}

// Len returns the number of objects.
func (m *ObjectModel) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Reset clears the model.
func (m *ObjectModel) Reset() {
	_ = m.WithLock(func(tx *ModelTx) error {
		tx.Reset()
		return nil
	})
}

// Restore loads previously persisted objects, keeping their ids. Objects
// whose id is already present are skipped and counted in the returned
// error.
func (m *ObjectModel) Restore(objects []Object) error {
	return m.WithLock(func(tx *ModelTx) error {
		skipped := 0
		for _, o := range objects {
			obj, err := tx.Add(o.Info.ClassID, o.Info.ObjectID)
			if err != nil {
				skipped++
				continue
			}
			id := obj.ID
			*obj = *trackedFromObject(o)
			obj.ID = id
		}
		if skipped > 0 {
			return fmt.Errorf("restore: %w (%d skipped)", ErrDuplicateObject, skipped)
		}
		return nil
	})
}
