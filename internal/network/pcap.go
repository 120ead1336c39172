package network

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/timeutil"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayConfig configures a capture replay.
type ReplayConfig struct {
	// UDPPort keeps only datagrams sent to this port. Zero keeps all.
	UDPPort int
	// SpeedMultiplier paces replay against capture timestamps: 1 is real
	// time, 2 twice as fast. Zero or less replays as fast as possible.
	SpeedMultiplier float64
	Clock           timeutil.Clock
	Stats           *PacketStats
}

// ReplayResult summarises a finished replay.
type ReplayResult struct {
	Packets    int
	Dispatched int
	Rejected   int
}

// ReplayPCAPFile opens a pcap file and replays it into h.
func ReplayPCAPFile(ctx context.Context, path string, h Handler, cfg ReplayConfig) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, h, cfg)
}

// ReplayPCAP feeds the UDP payloads of a pcap stream to h in capture order.
func ReplayPCAP(ctx context.Context, r io.Reader, h Handler, cfg ReplayConfig) (ReplayResult, error) {
	var res ReplayResult
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return res, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewPacketStats(clock)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true}
	started := clock.Now()
	var last time.Time

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		packet, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		captured := packet.Metadata().Timestamp
		if cfg.SpeedMultiplier > 0 && !last.IsZero() {
			if delay := time.Duration(float64(captured.Sub(last)) / cfg.SpeedMultiplier); delay > 0 {
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-clock.After(delay):
				}
			}
		}
		last = captured

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.UDPPort != 0 && int(udp.DstPort) != cfg.UDPPort {
			continue
		}

		stats.AddPacket(len(udp.Payload))
		res.Dispatched++
		if err := h.HandleEnvelope(ctx, udp.Payload); err != nil && !worldmodel.IsDrop(err) {
			stats.AddRejected()
			res.Rejected++
		}
	}

	monitoring.Logf("[PCAP] Replay complete: %d packets, %d dispatched, %d rejected in %v",
		res.Packets, res.Dispatched, res.Rejected, clock.Since(started))
	return res, nil
}
