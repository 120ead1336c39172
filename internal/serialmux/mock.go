package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads block until data
// is added or the port is closed; EOF can be signalled with CloseRead.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuffer  bytes.Buffer
	writeBuffer bytes.Buffer
	readEOF     bool
	closed      bool
	readCond    *sync.Cond

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given.
	ShortWrite bool
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && !p.readEOF && p.readBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	if p.readBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return p.readBuffer.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	n, err := p.writeBuffer.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent reads.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuffer.Write(data)
	p.readCond.Broadcast()
}

// CloseRead makes reads return io.EOF once the queued data is consumed.
func (p *TestableSerialPort) CloseRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readEOF = true
	p.readCond.Broadcast()
}

// Written returns everything written to the port.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuffer.String()
}

func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
