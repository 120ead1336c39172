package worldmodel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/golang/geo/r3"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(log.New(io.Discard, "", 0).Printf)
}

func identityCov() []float64 {
	c := geometry.IdentityCovariance()
	return c[:]
}

func percept(class string, x, y, z, support float64, cov []float64) PosePercept {
	return PosePercept{
		Header:     Header{FrameID: "map", Stamp: epoch},
		Info:       PerceptInfo{ClassID: class, ClassSupport: support},
		Pose:       geometry.Pose{Position: r3.Vector{X: x, Y: y, Z: z}, Orientation: geometry.IdentityQuaternion()},
		Covariance: cov,
	}
}

type fakeTransformer struct {
	transforms map[string]geometry.Transform
}

func (f *fakeTransformer) LookupTransform(_ context.Context, target, source string, _ time.Time) (geometry.Transform, error) {
	tr, ok := f.transforms[source+"->"+target]
	if !ok {
		return geometry.Transform{}, fmt.Errorf("no transform %s -> %s", source, target)
	}
	return tr, nil
}

type fakeRanger struct {
	distance float64
	err      error
	mu       sync.Mutex
	calls    int
}

func (f *fakeRanger) DistanceToObstacle(context.Context, Header, r3.Vector) (float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.distance, f.err
}

type fakeVerifier struct {
	name  string
	vote  Vote
	err   error
	block chan struct{}
	mu    sync.Mutex
	seen  []Object
}

func (f *fakeVerifier) Name() string { return f.name }

func (f *fakeVerifier) Verify(_ context.Context, obj Object) (Vote, error) {
	f.mu.Lock()
	f.seen = append(f.seen, obj)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.vote, f.err
}

func (f *fakeVerifier) calls() []Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Object(nil), f.seen...)
}

var errVerifierDown = errors.New("verifier down")

type publishEvent struct {
	kind    string
	object  Object
	objects []Object
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishEvent
}

func (p *recordingPublisher) PublishObject(_ context.Context, obj Object) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishEvent{kind: "object", object: obj})
}

func (p *recordingPublisher) PublishModel(_ context.Context, objects []Object) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishEvent{kind: "model", objects: objects})
}

func (p *recordingPublisher) all() []publishEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishEvent(nil), p.events...)
}

// blockingPublisher records like recordingPublisher but holds its first
// PublishObject call until release is closed.
type blockingPublisher struct {
	recordingPublisher
	once    sync.Once
	blocked chan struct{}
	release chan struct{}
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{
		blocked: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *blockingPublisher) PublishObject(ctx context.Context, obj Object) {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.blocked)
		<-p.release
	}
	p.recordingPublisher.PublishObject(ctx, obj)
}
