package transport

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
)

// ErrConnClosed is returned by Send and Receive after the channel closes.
var ErrConnClosed = errors.New("transport: connection closed")

// MessageConn is a duplex frame channel. Send is safe for concurrent use;
// Receive is intended for a single reader loop.
type MessageConn interface {
	Send(Frame) error
	Receive() (Frame, error)
	Close() error
}

const pipeBuffer = 64

// Pipe returns two connected in-process ends. Closing either end closes the
// pipe for both.
func Pipe() (MessageConn, MessageConn) {
	ab := make(chan Frame, pipeBuffer)
	ba := make(chan Frame, pipeBuffer)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }
	return &pipeEnd{send: ab, recv: ba, done: done, close: closeFn},
		&pipeEnd{send: ba, recv: ab, done: done, close: closeFn}
}

type pipeEnd struct {
	send  chan Frame
	recv  chan Frame
	done  chan struct{}
	close func()
}

func (p *pipeEnd) Send(f Frame) error {
	select {
	case <-p.done:
		return ErrConnClosed
	case p.send <- f:
		return nil
	}
}

func (p *pipeEnd) Receive() (Frame, error) {
	// Drain buffered frames before honoring close.
	select {
	case f := <-p.recv:
		return f, nil
	default:
	}
	select {
	case f := <-p.recv:
		return f, nil
	case <-p.done:
		return Frame{}, ErrConnClosed
	}
}

func (p *pipeEnd) Close() error {
	p.close()
	return nil
}

// NetConn frames Frames as newline-delimited JSON over a net.Conn. This is
// the daemon's Unix-socket transport.
type NetConn struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
	wmu  sync.Mutex
}

// NewNetConn wraps conn.
func NewNetConn(conn net.Conn) *NetConn {
	return &NetConn{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

func (c *NetConn) Send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		return errors.Join(ErrConnClosed, err)
	}
	return nil
}

func (c *NetConn) Receive() (Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		return Frame{}, errors.Join(ErrConnClosed, err)
	}
	return f, nil
}

func (c *NetConn) Close() error {
	return c.conn.Close()
}
