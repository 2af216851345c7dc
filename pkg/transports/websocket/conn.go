package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/transports"
)

// ErrConnClosed is returned by sends after the connection closed.
var ErrConnClosed = errors.New("websocket connection closed")

type outbound struct {
	kind int
	data []byte
}

type closeRequest struct {
	code   int
	reason string
}

// conn serializes every write through one goroutine. Messages queued
// before Close are written before the close frame.
type conn struct {
	ws           *gws.Conn
	sendCh       chan outbound
	closeCh      chan closeRequest
	done         chan struct{}
	closed       atomic.Bool
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newConn(ws *gws.Conn, writeTimeout time.Duration) *conn {
	c := &conn{
		ws:           ws,
		sendCh:       make(chan outbound, 256),
		closeCh:      make(chan closeRequest, 1),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.loop()
	return c
}

func (c *conn) SendControl(msg transports.Control) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: gws.TextMessage, data: b})
}

func (c *conn) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return c.enqueue(outbound{kind: gws.BinaryMessage, data: chunk})
}

func (c *conn) enqueue(m outbound) error {
	if c.closed.Load() {
		return errorsx.Wrap(ErrConnClosed, errorsx.ReasonTransportSend)
	}
	select {
	case c.sendCh <- m:
		return nil
	case <-c.done:
		return errorsx.Wrap(ErrConnClosed, errorsx.ReasonTransportSend)
	}
}

func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeCh <- closeRequest{code: code, reason: reason}
	})
	return nil
}

// Done is closed when the write loop has exited and the socket is closed.
func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) loop() {
	defer close(c.done)
	defer c.ws.Close()
	for {
		select {
		case m := <-c.sendCh:
			if err := c.write(m); err != nil {
				c.closed.Store(true)
				return
			}
		case req := <-c.closeCh:
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(req.code, req.reason), deadline)
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case m := <-c.sendCh:
			if err := c.write(m); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(m outbound) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(m.kind, m.data)
}
