// Package transport accepts TCP connections speaking the NDJSON frame
// protocol and turns their frames into dispatcher events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mattjoyce/rota/internal/dispatch"
	"github.com/mattjoyce/rota/internal/log"
	"github.com/mattjoyce/rota/internal/protocol"
)

var timeZero time.Time

// Handler consumes dispatcher events. *dispatch.Dispatcher satisfies it.
type Handler interface {
	Handle(ctx context.Context, ev dispatch.Event) error
}

// Server serves the frame protocol on a listener.
type Server struct {
	handler   Handler
	logger    *slog.Logger
	inboxSize int
	orderSize int

	wg sync.WaitGroup
}

// NewServer creates a Server that delivers events to h.
func NewServer(h Handler) *Server {
	return &Server{
		handler:   h,
		logger:    log.WithComponent("transport"),
		inboxSize: 16,
		orderSize: 64,
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// waits for every connection to finish before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("transport listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				s.logger.Info("transport stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, nc)
		}()
	}
}

// serveConn runs the reader loop for one connection. Lifecycle frames are
// handled inline so they apply in arrival order; orders run one at a time
// on a separate goroutine because each job needs the reader to keep
// feeding its payload frame through the inbox.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.inboxSize)
	logger := s.logger.With("remote", c.RemoteAddr())
	logger.Debug("connection opened")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(connCtx, func() { _ = c.Close() })
	defer unwatch()

	orders := make(chan dispatch.Event, s.orderSize)
	var jobs sync.WaitGroup
	jobs.Add(1)
	go func() {
		defer jobs.Done()
		for ev := range orders {
			if err := s.dispatch(connCtx, ev); err != nil {
				// The dispatcher already told the requester.
				logger.Debug("job ended with error", "error", err)
			}
		}
	}()

	var workerID string
	dec := protocol.NewDecoder(nc)
	for {
		f, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidFrame) {
				s.reject(connCtx, c, err, logger)
				continue
			}
			if !errors.Is(err, io.EOF) && connCtx.Err() == nil {
				// The stream is unusable past a malformed frame.
				s.reject(connCtx, c, err, logger)
			}
			break
		}

		switch f.Type {
		case protocol.TypePayload, protocol.TypeResult, protocol.TypeError:
			if !c.accepts(f) {
				logger.Warn("dropping unsolicited frame", "type", f.Type, "role", c.currentRole().String())
				continue
			}
			c.deliver(f, connCtx.Done())

		case protocol.TypeOnDuty:
			if !c.claim(roleWorker) {
				s.reject(connCtx, c, fmt.Errorf("connection is registered as %s", c.currentRole()), logger)
				continue
			}
			if workerID != "" && workerID != f.ID {
				s.reject(connCtx, c, fmt.Errorf("connection already on duty as %q", workerID), logger)
				continue
			}
			err := s.dispatch(connCtx, dispatch.Event{
				Type:         dispatch.EventOnDuty,
				WorkerID:     f.ID,
				Capabilities: f.Capabilities,
				Endpoint:     c,
			})
			if err != nil {
				s.reject(connCtx, c, err, logger)
				continue
			}
			workerID = f.ID

		case protocol.TypeOffDuty:
			id := f.ID
			if id == "" {
				id = workerID
			}
			if err := s.dispatch(connCtx, dispatch.Event{Type: dispatch.EventOffDuty, WorkerID: id}); err != nil {
				s.reject(connCtx, c, err, logger)
				continue
			}
			if id == workerID {
				workerID = ""
			}

		case protocol.TypeOrder:
			if !c.claim(roleRequester) {
				s.reject(connCtx, c, fmt.Errorf("connection is registered as %s", c.currentRole()), logger)
				continue
			}
			select {
			case orders <- dispatch.Event{Type: dispatch.EventJob, Capability: f.Capability, Endpoint: c}:
			case <-connCtx.Done():
			}

		default:
			if err := s.dispatch(connCtx, dispatch.Event{Type: dispatch.EventType(f.Type)}); err != nil {
				s.reject(connCtx, c, err, logger)
			}
		}
	}

	// Unblock any job still waiting on this connection, then let it finish.
	c.markDone()
	close(orders)
	jobs.Wait()

	if workerID != "" {
		if err := s.dispatch(context.WithoutCancel(ctx), dispatch.Event{Type: dispatch.EventOffDuty, WorkerID: workerID}); err != nil {
			logger.Warn("implicit off-duty failed", "worker_id", workerID, "error", err)
		}
	}
	_ = c.Close()
	logger.Debug("connection closed")
}

// dispatch hands one event to the handler. A panic is contained to the
// event that caused it.
func (s *Server) dispatch(ctx context.Context, ev dispatch.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "type", string(ev.Type), "panic", r)
			err = fmt.Errorf("internal error handling %s", ev.Type)
		}
	}()
	return s.handler.Handle(ctx, ev)
}

func (s *Server) reject(ctx context.Context, c *Conn, cause error, logger *slog.Logger) {
	logger.Warn("frame rejected", "error", cause)
	if err := c.Fail(ctx, cause.Error()); err != nil {
		logger.Debug("could not send error frame", "error", err)
	}
}
