// Package tf keeps a time-indexed tree of coordinate frames and answers
// transform queries between any two frames in it.
package tf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/banshee-data/worldmodel/internal/timeutil"
)

var (
	// ErrTransformUnavailable is returned when no chain of transforms
	// connects the frames at the requested time before the wait expires.
	ErrTransformUnavailable = errors.New("transform unavailable")
	// ErrInvalidTransform rejects malformed inserts.
	ErrInvalidTransform = errors.New("invalid transform")
)

const (
	// DefaultCacheTime is how much history is kept per frame.
	DefaultCacheTime = 10 * time.Second
	// DefaultWaitTimeout bounds LookupTransform.
	DefaultWaitTimeout = time.Second
	maxChainDepth      = 64
)

type sample struct {
	stamp time.Time
	tr    geometry.Transform
}

// frameHistory holds the transforms from one child frame to its parent.
type frameHistory struct {
	parent  string
	static  bool
	samples []sample
}

// Buffer stores transforms and resolves lookups across the frame tree.
// It implements worldmodel.Transformer.
type Buffer struct {
	mu          sync.Mutex
	frames      map[string]*frameHistory
	notify      chan struct{}
	clock       timeutil.Clock
	cacheTime   time.Duration
	waitTimeout time.Duration
}

// BufferConfig configures a Buffer. Zero values pick the defaults.
type BufferConfig struct {
	CacheTime   time.Duration
	WaitTimeout time.Duration
	Clock       timeutil.Clock
}

// NewBuffer creates an empty buffer.
func NewBuffer(cfg BufferConfig) *Buffer {
	b := &Buffer{
		frames:      make(map[string]*frameHistory),
		notify:      make(chan struct{}),
		clock:       cfg.Clock,
		cacheTime:   cfg.CacheTime,
		waitTimeout: cfg.WaitTimeout,
	}
	if b.clock == nil {
		b.clock = timeutil.RealClock{}
	}
	if b.cacheTime <= 0 {
		b.cacheTime = DefaultCacheTime
	}
	if b.waitTimeout <= 0 {
		b.waitTimeout = DefaultWaitTimeout
	}
	return b
}

// SetTransform inserts a transform. Static transforms are valid at every
// time and replace any earlier value for the same child frame.
func (b *Buffer) SetTransform(st StampedTransform, static bool) error {
	if st.Parent == "" || st.Child == "" || st.Parent == st.Child {
		return fmt.Errorf("%w: parent %q child %q", ErrInvalidTransform, st.Parent, st.Child)
	}
	tr := st.Transform
	tr.Rotation = tr.Rotation.Normalize()

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.frames[st.Child]
	if !ok || h.parent != st.Parent || h.static != static {
		h = &frameHistory{parent: st.Parent, static: static}
		b.frames[st.Child] = h
	}
	if static {
		h.samples = []sample{{stamp: st.Stamp, tr: tr}}
	} else {
		h.insert(sample{stamp: st.Stamp, tr: tr}, b.cacheTime)
	}

	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

func (h *frameHistory) insert(s sample, cacheTime time.Duration) {
	i := sort.Search(len(h.samples), func(i int) bool { return !h.samples[i].stamp.Before(s.stamp) })
	if i < len(h.samples) && h.samples[i].stamp.Equal(s.stamp) {
		h.samples[i] = s
	} else {
		h.samples = append(h.samples, sample{})
		copy(h.samples[i+1:], h.samples[i:])
		h.samples[i] = s
	}

	oldest := h.samples[len(h.samples)-1].stamp.Add(-cacheTime)
	drop := sort.Search(len(h.samples), func(i int) bool { return !h.samples[i].stamp.Before(oldest) })
	h.samples = h.samples[drop:]
}

// at returns the child-to-parent transform at stamp. A zero stamp means the
// latest sample.
func (h *frameHistory) at(stamp time.Time) (geometry.Transform, bool) {
	n := len(h.samples)
	if n == 0 {
		return geometry.Transform{}, false
	}
	if h.static || stamp.IsZero() {
		return h.samples[n-1].tr, true
	}
	i := sort.Search(n, func(i int) bool { return !h.samples[i].stamp.Before(stamp) })
	switch {
	case i == n:
		return geometry.Transform{}, false
	case h.samples[i].stamp.Equal(stamp):
		return h.samples[i].tr, true
	case i == 0:
		return geometry.Transform{}, false
	}
	lo, hi := h.samples[i-1], h.samples[i]
	ratio := float64(stamp.Sub(lo.stamp)) / float64(hi.stamp.Sub(lo.stamp))
	return geometry.Interpolate(lo.tr, hi.tr, ratio), true
}

// LookupTransform returns the transform mapping points in source into
// target at stamp, waiting up to the configured timeout for data to arrive.
func (b *Buffer) LookupTransform(ctx context.Context, target, source string, stamp time.Time) (geometry.Transform, error) {
	deadline := b.clock.After(b.waitTimeout)
	for {
		tr, notify, err := b.lookup(target, source, stamp)
		if err == nil {
			return tr, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return geometry.Transform{}, err
		case <-ctx.Done():
			return geometry.Transform{}, fmt.Errorf("%w: %v", err, ctx.Err())
		}
	}
}

// CanTransform reports whether a lookup would succeed right now.
func (b *Buffer) CanTransform(target, source string, stamp time.Time) bool {
	_, _, err := b.lookup(target, source, stamp)
	return err == nil
}

// Frames returns every known frame, sorted.
func (b *Buffer) Frames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	for child, h := range b.frames {
		seen[child] = true
		seen[h.parent] = true
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (b *Buffer) lookup(target, source string, stamp time.Time) (geometry.Transform, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target == source {
		return geometry.IdentityTransform(), b.notify, nil
	}

	srcChain, srcErr := b.toRoot(source, stamp)
	tgtChain, tgtErr := b.toRoot(target, stamp)

	tgtIndex := make(map[string]int, len(tgtChain))
	for i, l := range tgtChain {
		tgtIndex[l.frame] = i
	}
	for i, l := range srcChain {
		j, ok := tgtIndex[l.frame]
		if !ok {
			continue
		}
		// srcChain[i].tr maps source into the common ancestor, likewise
		// tgtChain[j].tr for target.
		return tgtChain[j].tr.Inverse().Compose(srcChain[i].tr), b.notify, nil
	}
	if err := errors.Join(srcErr, tgtErr); err != nil {
		return geometry.Transform{}, b.notify, err
	}
	return geometry.Transform{}, b.notify, fmt.Errorf("%w: %s and %s are not connected", ErrTransformUnavailable, source, target)
}

type link struct {
	frame string
	tr    geometry.Transform // maps the chain's start frame into frame
}

// toRoot walks from frame up to the root, accumulating transforms. The
// first entry is frame itself with identity. When an edge has no data at
// stamp the chain walked so far is returned along with the error. Must be
// called with b.mu held.
func (b *Buffer) toRoot(frame string, stamp time.Time) ([]link, error) {
	chain := []link{{frame: frame, tr: geometry.IdentityTransform()}}
	acc := geometry.IdentityTransform()
	cur := frame
	for depth := 0; ; depth++ {
		if depth > maxChainDepth {
			return chain, fmt.Errorf("%w: frame loop at %s", ErrTransformUnavailable, frame)
		}
		h, ok := b.frames[cur]
		if !ok {
			return chain, nil
		}
		tr, ok := h.at(stamp)
		if !ok {
			return chain, fmt.Errorf("%w: %s -> %s has no data at %s", ErrTransformUnavailable, cur, h.parent, stamp.Format(time.RFC3339Nano))
		}
		acc = tr.Compose(acc)
		cur = h.parent
		chain = append(chain, link{frame: cur, tr: acc})
	}
}
