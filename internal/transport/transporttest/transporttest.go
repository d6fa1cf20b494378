// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/transport"
)

// Dialer hands out in-memory connections and can be told to fail or hang.
type Dialer struct {
	mu       sync.Mutex
	conns    []*Conn
	failures []error
	hang     bool
	autoPong bool
	dials    int
	creds    []transport.Credentials
	notify   chan *Conn
}

// NewDialer returns a dialer whose connections answer pings with pongs.
func NewDialer() *Dialer {
	return &Dialer{autoPong: true, notify: make(chan *Conn, 64)}
}

// FailNext makes the next len(errs) dials return those errors in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// SetHang makes dials block until their context is done.
func (d *Dialer) SetHang(hang bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hang = hang
}

// SetAutoPong controls whether new connections answer pings.
func (d *Dialer) SetAutoPong(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoPong = on
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Credentials returns the credentials of every Dial call.
func (d *Dialer) Credentials() []transport.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Credentials(nil), d.creds...)
}

// Conns returns every connection handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.creds = append(d.creds, creds)
	hang := d.hang
	var failure error
	if len(d.failures) > 0 {
		failure = d.failures[0]
		d.failures = d.failures[1:]
	}
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failure != nil {
		return nil, failure
	}

	d.mu.Lock()
	c := newConn(d.autoPong)
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	select {
	case d.notify <- c:
	default:
	}
	return c, nil
}

// WaitConn blocks until a new connection is dialed.
func (d *Dialer) WaitConn(t testing.TB, timeout time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-d.notify:
		return c
	case <-time.After(timeout):
		t.Fatalf("no connection dialed within %s", timeout)
		return nil
	}
}

// Conn is an in-memory transport.Conn. Tests push inbound frames and inspect
// what the client wrote.
type Conn struct {
	in       chan protocol.Frame
	done     chan struct{}
	once     sync.Once
	autoPong bool

	mu       sync.Mutex
	written  []protocol.Frame
	writeErr error
}

func newConn(autoPong bool) *Conn {
	return &Conn{
		in:       make(chan protocol.Frame, 256),
		done:     make(chan struct{}),
		autoPong: autoPong,
	}
}

func (c *Conn) ReadFrame() (protocol.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return protocol.Frame{}, transport.ErrClosed
	}
}

func (c *Conn) WriteFrame(f protocol.Frame) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, f)
	autoPong := c.autoPong
	c.mu.Unlock()

	if autoPong && f.Event == protocol.KindPing {
		c.Push(protocol.KindPong, nil)
	}
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether the connection was closed by either side.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Drop simulates the server going away.
func (c *Conn) Drop() {
	_ = c.Close()
}

// SetAutoPong toggles pong replies on this connection.
func (c *Conn) SetAutoPong(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoPong = on
}

// FailWrites makes subsequent writes return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Push delivers an inbound event with the given payload.
func (c *Conn) Push(kind protocol.Kind, payload any) {
	f, err := protocol.NewFrame(kind, payload)
	if err != nil {
		panic(err)
	}
	c.PushFrame(f)
}

// PushFrame delivers a raw inbound frame.
func (c *Conn) PushFrame(f protocol.Frame) {
	select {
	case c.in <- f:
	case <-c.done:
	}
}

// Written returns the frames written so far, optionally filtered by kind.
func (c *Conn) Written(kinds ...protocol.Kind) []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(kinds) == 0 {
		return append([]protocol.Frame(nil), c.written...)
	}
	var out []protocol.Frame
	for _, f := range c.written {
		for _, k := range kinds {
			if f.Event == k {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// WaitWritten polls until at least n frames of kind were written.
func (c *Conn) WaitWritten(t testing.TB, kind protocol.Kind, n int, timeout time.Duration) []protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := c.Written(kind)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d %s frames within %s, want %d", len(got), kind, timeout, n)
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ErrDialRefused is a convenience transient dial failure.
var ErrDialRefused = errors.New("connection refused")
