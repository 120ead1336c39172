package network

import (
	"sync"
	"time"

	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/timeutil"
)

// PacketStats counts received datagrams between log reports.
type PacketStats struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	packets   int64
	bytes     int64
	rejected  int64
	lastReset time.Time
}

// NewPacketStats creates a PacketStats. A nil clock uses the real clock.
func NewPacketStats(clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PacketStats{clock: clock, lastReset: clock.Now()}
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.bytes += int64(bytes)
}

// AddRejected counts a datagram the dispatcher could not use.
func (ps *PacketStats) AddRejected() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rejected++
}

// GetAndReset returns the counters since the previous call and clears them.
func (ps *PacketStats) GetAndReset() (packets, bytes, rejected int64, elapsed time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	elapsed = now.Sub(ps.lastReset)
	packets, bytes, rejected = ps.packets, ps.bytes, ps.rejected
	ps.packets, ps.bytes, ps.rejected = 0, 0, 0
	ps.lastReset = now
	return packets, bytes, rejected, elapsed
}

// LogStats logs per-second rates. Nothing is logged for an idle period.
func (ps *PacketStats) LogStats(source string) {
	packets, bytes, rejected, elapsed := ps.GetAndReset()
	if packets == 0 || elapsed <= 0 {
		return
	}
	secs := elapsed.Seconds()
	monitoring.Logf("[%s] stats (/sec): %.1f packets, %.1f KB, %d rejected",
		source, float64(packets)/secs, float64(bytes)/secs/1024, rejected)
}
