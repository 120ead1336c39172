package serialmux

import (
	"context"
	"strings"

	"github.com/banshee-data/worldmodel/internal/ingest"
	"github.com/banshee-data/worldmodel/internal/monitoring"
)

// Line classes seen on the serial link.
const (
	LineEnvelope = "envelope"
	LineComment  = "comment"
	LineEmpty    = "empty"
	LineUnknown  = "unknown"
)

// ClassifyLine sorts a raw line. Envelopes are JSON objects; lines starting
// with '#' are device chatter and are ignored.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineEmpty
	case strings.HasPrefix(line, "#"):
		return LineComment
	case strings.HasPrefix(line, "{"):
		return LineEnvelope
	}
	return LineUnknown
}

// Forward subscribes to s and hands every envelope line to d in arrival
// order. It returns when ctx is cancelled or the subscription is closed.
func Forward(ctx context.Context, s SerialMuxInterface, d *ingest.Dispatcher) error {
	id, lines := s.Subscribe()
	defer s.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch ClassifyLine(line) {
			case LineEnvelope:
				// Errors are counted and logged by the dispatcher.
				_ = d.HandleEnvelope(ctx, []byte(line))
			case LineComment:
				monitoring.Debugf("[Serial] %s", line)
			case LineUnknown:
				monitoring.Logf("[Serial] Ignoring unrecognised line: %q", line)
			}
		}
	}
}
