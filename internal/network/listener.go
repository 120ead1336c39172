// Package network receives envelopes over UDP, either live from a socket or
// replayed from a packet capture.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/worldmodel/internal/ingest"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
)

// MaxDatagramSize is the largest envelope accepted in one datagram.
const MaxDatagramSize = 64 * 1024

// pollInterval bounds how long a read blocks before ctx is checked again.
const pollInterval = 100 * time.Millisecond

// Handler consumes one envelope. ingest.Dispatcher implements it.
type Handler interface {
	HandleEnvelope(ctx context.Context, raw []byte) error
}

var _ Handler = (*ingest.Dispatcher)(nil)

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Handler     Handler
	Stats       *PacketStats
}

// UDPListener reads one JSON envelope per datagram and dispatches it.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	handler     Handler
	stats       *PacketStats

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	stats := cfg.Stats
	if stats == nil {
		stats = NewPacketStats(nil)
	}
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: logInterval,
		handler:     cfg.Handler,
		stats:       stats,
	}
}

// Listen binds the socket. Start calls it when needed.
func (l *UDPListener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("[UDP] Warning: failed to set receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	l.conn = conn
	return nil
}

// Addr is the bound address, or nil before Listen.
func (l *UDPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start listens and dispatches datagrams until ctx is cancelled. The socket
// is closed on return.
func (l *UDPListener) Start(ctx context.Context) error {
	if l.handler == nil {
		return errors.New("udp listener has no handler")
	}
	if err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	defer l.Close()

	monitoring.Logf("[UDP] Listening for envelopes on %s", conn.LocalAddr())
	go l.statsLoop(ctx)

	buffer := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[UDP] Listener stopping: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Logf("[UDP] Read error: %v", err)
			continue
		}
		l.handlePacket(ctx, buffer[:n], addr.String())
	}
}

func (l *UDPListener) handlePacket(ctx context.Context, packet []byte, from string) {
	l.stats.AddPacket(len(packet))
	if err := l.handler.HandleEnvelope(ctx, packet); err != nil && !worldmodel.IsDrop(err) {
		l.stats.AddRejected()
		monitoring.Debugf("[UDP] Rejected datagram from %s: %v", from, err)
	}
}

func (l *UDPListener) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats("UDP")
		}
	}
}

func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
