package endpoint

import (
	"context"
	"encoding/json"
	"sync"
)

type message struct {
	payload json.RawMessage
	failure string
	failed  bool
}

type pipeState struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.done) })
}

// PipeEnd is one side of an in-memory, bidirectional pipe.
type PipeEnd struct {
	in    <-chan message
	out   chan<- message
	state *pipeState
}

// NewPipe returns two connected ends. Messages sent on one end are received
// on the other. buffer is the per-direction capacity; zero makes every Send
// wait for the peer's Receive.
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer < 0 {
		buffer = 0
	}
	ab := make(chan message, buffer)
	ba := make(chan message, buffer)
	st := &pipeState{done: make(chan struct{})}
	return &PipeEnd{in: ba, out: ab, state: st}, &PipeEnd{in: ab, out: ba, state: st}
}

// Receive returns the next payload from the peer. Messages already buffered
// are still delivered after Close.
func (p *PipeEnd) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case m := <-p.in:
		return m.unwrap()
	default:
	}

	select {
	case m := <-p.in:
		return m.unwrap()
	case <-p.state.done:
		select {
		case m := <-p.in:
			return m.unwrap()
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers payload to the peer.
func (p *PipeEnd) Send(ctx context.Context, payload json.RawMessage) error {
	return p.put(ctx, message{payload: payload})
}

// Fail delivers a failure to the peer; its next Receive returns *RemoteError.
func (p *PipeEnd) Fail(ctx context.Context, reason string) error {
	return p.put(ctx, message{failure: reason, failed: true})
}

// Close closes both directions. It is safe to call more than once.
func (p *PipeEnd) Close() error {
	p.state.close()
	return nil
}

func (p *PipeEnd) put(ctx context.Context, m message) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- m:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m message) unwrap() (json.RawMessage, error) {
	if m.failed {
		return nil, &RemoteError{Reason: m.failure}
	}
	return m.payload, nil
}
