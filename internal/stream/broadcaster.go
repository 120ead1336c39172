// Package stream fans world model updates out to live subscribers: the SSE
// endpoint, the gRPC stream and the terminal viewer.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/timeutil"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/google/uuid"
)

// ErrTooManyClients is returned by Subscribe once MaxClients is reached.
var ErrTooManyClients = errors.New("too many stream clients")

// ErrNotRunning is returned by Subscribe before Start or after Stop.
var ErrNotRunning = errors.New("broadcaster not running")

// Kind tells subscribers what an Update carries.
type Kind string

const (
	KindObject Kind = "object"
	KindModel  Kind = "model"
)

// Update is one published change. Object updates carry Object, model
// updates carry the full Objects snapshot.
type Update struct {
	Seq     uint64              `json:"seq"`
	Kind    Kind                `json:"kind"`
	Time    time.Time           `json:"time"`
	Object  *worldmodel.Object  `json:"object,omitempty"`
	Objects []worldmodel.Object `json:"objects,omitempty"`
}

// Config holds the broadcaster limits.
type Config struct {
	// MaxClients caps concurrent subscribers.
	MaxClients int

	// QueueSize is the depth of the shared update queue.
	QueueSize int

	// ClientBuffer is the depth of each subscriber's channel. A subscriber
	// that falls further behind loses updates.
	ClientBuffer int

	// StatsInterval is how often queue statistics are logged.
	StatsInterval time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxClients:    16,
		QueueSize:     100,
		ClientBuffer:  32,
		StatsInterval: 30 * time.Second,
	}
}

// Subscription is a live feed of updates. C is closed on Unsubscribe or
// Stop.
type Subscription struct {
	ID string
	C  <-chan Update

	ch chan Update
}

// Broadcaster implements worldmodel.Publisher. Publishing never blocks: a
// full queue drops the update and counts it.
type Broadcaster struct {
	config Config
	clock  timeutil.Clock

	updates   chan Update
	clients   map[string]*Subscription
	clientsMu sync.RWMutex

	// last model, replayed to new subscribers
	lastModel   []worldmodel.Object
	lastModelMu sync.Mutex

	seq         atomic.Uint64
	clientCount atomic.Int32
	dropped     atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewBroadcaster creates a broadcaster. A nil clock uses wall time.
func NewBroadcaster(cfg Config, clock timeutil.Clock) *Broadcaster {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Broadcaster{
		config:  cfg,
		clock:   clock,
		updates: make(chan Update, cfg.QueueSize),
		clients: make(map[string]*Subscription),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the fan-out loop.
func (b *Broadcaster) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broadcaster already running")
	}
	b.wg.Add(2)
	go b.broadcastLoop()
	go b.statsLoop()
	return nil
}

// Stop ends the fan-out loop and closes every subscription.
func (b *Broadcaster) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()

	b.clientsMu.Lock()
	for id, sub := range b.clients {
		close(sub.ch)
		delete(b.clients, id)
	}
	b.clientsMu.Unlock()
	b.clientCount.Store(0)
	monitoring.Logf("[Stream] Broadcaster stopped")
}

func (b *Broadcaster) PublishObject(_ context.Context, obj worldmodel.Object) {
	o := obj
	b.enqueue(Update{Kind: KindObject, Object: &o})
}

func (b *Broadcaster) PublishModel(_ context.Context, objects []worldmodel.Object) {
	b.lastModelMu.Lock()
	b.lastModel = objects
	b.lastModelMu.Unlock()
	b.enqueue(Update{Kind: KindModel, Objects: objects})
}

func (b *Broadcaster) enqueue(u Update) {
	if !b.running.Load() {
		return
	}
	u.Seq = b.seq.Add(1)
	u.Time = b.clock.Now()

	select {
	case b.updates <- u:
	default:
		dropped := b.dropped.Add(1)
		monitoring.Logf("[Stream] DROPPED %s update %d (total dropped: %d), queue full", u.Kind, u.Seq, dropped)
	}
}

func (b *Broadcaster) broadcastLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case u := <-b.updates:
			b.clientsMu.RLock()
			for _, sub := range b.clients {
				select {
				case sub.ch <- u:
				default:
					// Slow subscriber, drop for this one only.
					b.dropped.Add(1)
				}
			}
			b.clientsMu.RUnlock()
		}
	}
}

func (b *Broadcaster) statsLoop() {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.config.StatsInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C():
			seq := b.seq.Load()
			if seq == lastSeq {
				continue
			}
			monitoring.Debugf("[Stream] Stats: updates=%d dropped=%d clients=%d queue=%d/%d",
				seq-lastSeq, b.dropped.Load(), b.clientCount.Load(), len(b.updates), b.config.QueueSize)
			lastSeq = seq
		}
	}
}

// Subscribe registers a subscriber. When a model has been published the
// subscription starts with it.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	if !b.running.Load() {
		return nil, ErrNotRunning
	}

	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	if len(b.clients) >= b.config.MaxClients {
		return nil, ErrTooManyClients
	}

	ch := make(chan Update, b.config.ClientBuffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	b.lastModelMu.Lock()
	if b.lastModel != nil {
		ch <- Update{Seq: b.seq.Load(), Kind: KindModel, Time: b.clock.Now(), Objects: b.lastModel}
	}
	b.lastModelMu.Unlock()

	b.clients[sub.ID] = sub
	n := b.clientCount.Add(1)
	monitoring.Logf("[Stream] Client connected: %s (total: %d)", sub.ID, n)
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.clientsMu.Lock()
	sub, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
		close(sub.ch)
	}
	b.clientsMu.Unlock()
	if ok {
		n := b.clientCount.Add(-1)
		monitoring.Logf("[Stream] Client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats contains broadcaster statistics.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}

// Stats returns current statistics.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published: b.seq.Load(),
		Dropped:   b.dropped.Load(),
		Clients:   b.clientCount.Load(),
		Running:   b.running.Load(),
	}
}
