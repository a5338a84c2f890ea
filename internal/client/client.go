// Package client implements the worker and requester sides of the frame
// protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/log"
	"github.com/mattjoyce/rota/internal/protocol"
)

// ErrUnexpectedFrame means the server sent a frame the client did not expect.
var ErrUnexpectedFrame = errors.New("unexpected frame")

// HandlerFunc does the work for one job.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Worker is a connection that serves jobs for the dispatcher.
type Worker struct {
	ID           string
	Capabilities []string

	conn   net.Conn
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	logger *slog.Logger

	closeOnce sync.Once
}

// DialWorker connects to addr and announces the worker on duty.
func DialWorker(ctx context.Context, addr, id string, capabilities []string) (*Worker, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		ID:           id,
		Capabilities: capabilities,
		conn:         conn,
		enc:          protocol.NewEncoder(conn),
		dec:          protocol.NewDecoder(conn),
		logger:       log.WithWorker(id),
	}
	if err := w.enc.Encode(&protocol.Frame{Type: protocol.TypeOnDuty, ID: id, Capabilities: capabilities}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("announce on duty: %w", err)
	}
	w.logger.Info("on duty", "addr", addr, "capabilities", capabilities)
	return w, nil
}

// Serve answers jobs with h until ctx is cancelled or the server closes
// the connection. A handler error is reported to the dispatcher as an
// error frame and the worker keeps serving.
func (w *Worker) Serve(ctx context.Context, h HandlerFunc) error {
	stop := context.AfterFunc(ctx, func() { _ = w.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		f, err := w.dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return endpoint.ErrClosed
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch f.Type {
		case protocol.TypePayload:
			reply := w.run(ctx, h, f.Payload)
			if err := w.enc.Encode(reply); err != nil {
				return fmt.Errorf("send reply: %w", err)
			}
		case protocol.TypeError:
			return &endpoint.RemoteError{Reason: f.Error}
		default:
			w.logger.Warn("ignoring unexpected frame", "type", f.Type)
		}
	}
}

func (w *Worker) run(ctx context.Context, h HandlerFunc, payload json.RawMessage) (reply *protocol.Frame) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked", "panic", r)
			reply = &protocol.Frame{Type: protocol.TypeError, Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	result, err := h(ctx, payload)
	if err != nil {
		w.logger.Warn("job failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return &protocol.Frame{Type: protocol.TypeError, Error: err.Error()}
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	w.logger.Debug("job done", "duration_ms", time.Since(start).Milliseconds())
	return &protocol.Frame{Type: protocol.TypeResult, Payload: result}
}

// Close announces off-duty and closes the connection.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.enc.Encode(&protocol.Frame{Type: protocol.TypeOffDuty, ID: w.ID})
		err = w.conn.Close()
		w.logger.Info("off duty")
	})
	return err
}

// Requester submits jobs over a single connection. Submissions on one
// Requester are serialized.
type Requester struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
	mu   sync.Mutex
}

// DialRequester connects to addr.
func DialRequester(ctx context.Context, addr string) (*Requester, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Requester{
		conn: conn,
		enc:  protocol.NewEncoder(conn),
		dec:  protocol.NewDecoder(conn),
	}, nil
}

// Submit sends one job and waits for its result. A failure reported by the
// dispatcher or the worker comes back as *endpoint.RemoteError. Cancelling
// ctx mid-job leaves the stream out of step, so the connection is closed.
func (r *Requester) Submit(ctx context.Context, capability string, payload json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", protocol.ErrInvalidFrame)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = r.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := r.enc.Encode(&protocol.Frame{Type: protocol.TypeOrder, Capability: capability}); err != nil {
		return nil, r.wrap(ctx, "send order", err)
	}
	if err := r.enc.Encode(&protocol.Frame{Type: protocol.TypePayload, Payload: payload}); err != nil {
		return nil, r.wrap(ctx, "send payload", err)
	}

	f, err := r.dec.Decode()
	if err != nil {
		return nil, r.wrap(ctx, "read result", err)
	}
	switch f.Type {
	case protocol.TypeResult:
		return f.Payload, nil
	case protocol.TypeError:
		return nil, &endpoint.RemoteError{Reason: f.Error}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type)
	}
}

// Close closes the connection.
func (r *Requester) Close() error {
	return r.conn.Close()
}

func (r *Requester) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		_ = r.conn.Close()
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
