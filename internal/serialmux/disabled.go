package serialmux

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// ErrLinkClosed is returned by SendCommand after Close.
var ErrLinkClosed = errors.New("serial link closed")

// DisabledSerialMux stands in when no serial port is configured. It loops
// every command back to its subscribers as if the device had sent it, so
// envelopes posted to /debug/serial-send reach the tracker through Forward
// without hardware attached.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	looped      uint64
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subscribers: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subscribers[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(ch)
	}
}

// SendCommand delivers command, without its trailing newline, to every
// subscriber that has room for it.
func (d *DisabledSerialMux) SendCommand(command string) error {
	line := strings.TrimRight(command, "\r\n")

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrLinkClosed
	}
	d.looped++
	for _, ch := range d.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

// Looped returns how many commands were looped back.
func (d *DisabledSerialMux) Looped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.looped
}

// Monitor has no port to read and only waits for ctx.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subscribers {
		delete(d.subscribers, id)
		close(ch)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, d)
}
