// Package serialmux multiplexes a line-oriented serial link. Several
// subscribers receive every line read from the port, and commands from any
// of them are written to the single device.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/worldmodel/internal/httputil"
	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is the number of lines a slow subscriber may fall behind
// before lines are dropped for it.
const subscriberBuffer = 64

// SerialMux fans lines from one serial port out to many subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool
	lines        atomic.Uint64
	skipped      atomic.Uint64
}

// SerialMuxInterface is implemented by SerialMux and DisabledSerialMux.
type SerialMuxInterface interface {
	// Subscribe creates a channel receiving every line read from the port.
	// The returned id is passed to Unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one newline-terminated line to the port.
	SendCommand(string) error
	// Monitor reads lines until ctx is cancelled or the port fails.
	Monitor(context.Context) error
	// Close closes every subscription and the port.
	Close() error
	// AttachAdminRoutes mounts the serial debug endpoints under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID returns 8 random bytes, hex encoded.
func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Stats reports how many lines were read and how many subscriber
// deliveries were skipped because the subscriber was full.
func (s *SerialMux[T]) Stats() (lines, skipped uint64) {
	return s.lines.Load(), s.skipped.Load()
}

// Monitor reads lines from the port and delivers them to subscribers. It
// returns nil when the port reaches EOF or the mux is closed.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is seen
	// even while the port is idle.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.closing.Load() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if s.closing.Load() {
				return nil
			}
			s.lines.Add(1)

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					s.skipped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

// attachAdminRoutes serves the command and live tail endpoints for any mux.
// They are only reachable from localhost or over Tailscale.
func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("serial-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		if err := s.SendCommand(command); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to write command: %v", err))
			return
		}
		_, _ = io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		_, _ = w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
