package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/protocol"
)

type role int32

const (
	roleUnknown role = iota
	roleWorker
	roleRequester
)

func (r role) String() string {
	switch r {
	case roleWorker:
		return "worker"
	case roleRequester:
		return "requester"
	default:
		return "unregistered"
	}
}

// Conn is the endpoint for one TCP connection. The connection's reader
// goroutine feeds payload, result and error frames into the inbox that
// Receive drains; everything else becomes a dispatcher event.
type Conn struct {
	nc    net.Conn
	enc   *protocol.Encoder
	inbox chan *protocol.Frame
	role  atomic.Int32
	// awaiting is set while a worker owes the result of a sent job.
	awaiting atomic.Bool

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func newConn(nc net.Conn, inboxSize int) *Conn {
	return &Conn{
		nc:    nc,
		enc:   protocol.NewEncoder(nc),
		inbox: make(chan *protocol.Frame, inboxSize),
		done:  make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Receive returns the next payload (requester) or result (worker) frame.
// An error frame from the peer is returned as *endpoint.RemoteError.
func (c *Conn) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case f := <-c.inbox:
		return unwrapFrame(f)
	case <-c.done:
		select {
		case f := <-c.inbox:
			return unwrapFrame(f)
		default:
			return nil, endpoint.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes payload as a job (to a worker) or as a result (to a requester).
func (c *Conn) Send(ctx context.Context, payload json.RawMessage) error {
	if c.currentRole() != roleWorker {
		return c.write(ctx, &protocol.Frame{Type: protocol.TypeResult, Payload: payload})
	}
	c.awaiting.Store(true)
	if err := c.write(ctx, &protocol.Frame{Type: protocol.TypePayload, Payload: payload}); err != nil {
		c.awaiting.Store(false)
		return err
	}
	return nil
}

// Fail writes an error frame.
func (c *Conn) Fail(ctx context.Context, reason string) error {
	return c.write(ctx, &protocol.Frame{Type: protocol.TypeError, Error: reason})
}

// Close closes the network connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.nc.Close() })
	return err
}

func (c *Conn) write(ctx context.Context, f *protocol.Frame) error {
	select {
	case <-c.done:
		return endpoint.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
		defer c.nc.SetWriteDeadline(timeZero)
	}
	if err := c.enc.Encode(f); err != nil {
		select {
		case <-c.done:
			return endpoint.ErrClosed
		default:
			return err
		}
	}
	return nil
}

// accepts reports whether an inbound data frame answers something this
// connection is waiting for. A worker may send one result or error per job
// it was sent; a requester sends payloads. Anything else is stale.
func (c *Conn) accepts(f *protocol.Frame) bool {
	switch c.currentRole() {
	case roleWorker:
		if f.Type != protocol.TypeResult && f.Type != protocol.TypeError {
			return false
		}
		return c.awaiting.CompareAndSwap(true, false)
	case roleRequester:
		return f.Type == protocol.TypePayload
	default:
		return false
	}
}

// deliver queues an inbound frame for Receive. It gives up when the
// connection is shutting down.
func (c *Conn) deliver(f *protocol.Frame, stop <-chan struct{}) {
	select {
	case c.inbox <- f:
	case <-stop:
	}
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) currentRole() role {
	return role(c.role.Load())
}

// claim fixes the connection's role on first use. It fails if the
// connection already acts in the other role.
func (c *Conn) claim(r role) bool {
	if c.role.CompareAndSwap(int32(roleUnknown), int32(r)) {
		return true
	}
	return c.currentRole() == r
}

func unwrapFrame(f *protocol.Frame) (json.RawMessage, error) {
	if f.Type == protocol.TypeError {
		return nil, &endpoint.RemoteError{Reason: f.Error}
	}
	return f.Payload, nil
}
