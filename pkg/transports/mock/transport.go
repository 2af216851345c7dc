package mock

import (
	"errors"
	"sync"

	"github.com/harunnryd/bondcast/pkg/transports"
)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("mock conn closed")

// Conn is an in-memory transports.Conn that records everything sent to the
// caller.
type Conn struct {
	mu         sync.Mutex
	controls   []transports.Control
	audio      [][]byte
	closed     bool
	closeCode  int
	closeCalls int
	done       chan struct{}
	notify     chan struct{}
}

func NewConn() *Conn {
	return &Conn{done: make(chan struct{}), notify: make(chan struct{}, 1)}
}

func (c *Conn) SendControl(msg transports.Control) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.controls = append(c.controls, msg)
	c.mu.Unlock()
	c.poke()
	return nil
}

func (c *Conn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.audio = append(c.audio, append([]byte(nil), chunk...))
	c.mu.Unlock()
	c.poke()
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCalls++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()
	close(c.done)
	return nil
}

func (c *Conn) poke() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Changed receives a signal after any outbound message.
func (c *Conn) Changed() <-chan struct{} { return c.notify }

func (c *Conn) Controls() []transports.Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transports.Control(nil), c.controls...)
}

// ControlTypes lists the type of every control message sent, in order.
func (c *Conn) ControlTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.controls))
	for i, m := range c.controls {
		out[i] = m.Type
	}
	return out
}

func (c *Conn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

// CloseCode returns the close code, or 0 while open.
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// CloseCalls counts Close invocations, including repeats.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
