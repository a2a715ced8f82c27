// Package server accepts producer connections and feeds decoded actions into
// the processing queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harplog/harp/action"
	"github.com/harplog/harp/internal/metrics"
	"github.com/harplog/harp/internal/queue"
	"github.com/harplog/harp/wire"
	"go.uber.org/zap"
)

type Config struct {
	Addr         string
	MaxFrameSize int
}

type Server struct {
	cfg   Config
	queue *queue.Queue
	log   *zap.Logger

	mu    sync.Mutex
	conns map[uuid.UUID]net.Conn
	wg    sync.WaitGroup

	active atomic.Int64
}

func New(cfg Config, q *queue.Queue, log *zap.Logger) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:   cfg,
		queue: q,
		log:   log,
		conns: make(map[uuid.UUID]net.Conn),
	}
}

// ActiveConnections is the number of producer connections currently open.
func (s *Server) ActiveConnections() int { return int(s.active.Load()) }

// ListenAndServe binds cfg.Addr and serves until ctx is done. A bind failure
// is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. On return the listener
// and every connection are closed and their read loops have exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("accepting connections",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_frame_size", s.cfg.MaxFrameSize),
	)

	var (
		serveErr error
		delay    time.Duration
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = acceptBackoff(delay)
				s.log.Warn("accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
				time.Sleep(delay)
				continue
			}
			serveErr = fmt.Errorf("accept: %w", err)
			break
		}
		delay = 0

		id := s.track(conn)
		go s.handle(ctx, id, conn)
	}

	cancel()
	s.closeAll()
	s.wg.Wait()
	s.log.Info("acceptor stopped")
	return serveErr
}

func acceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) track(conn net.Conn) uuid.UUID {
	id := uuid.New()

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()

	s.wg.Add(1)
	s.active.Add(1)
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	return id
}

func (s *Server) untrack(id uuid.UUID) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()

	s.active.Add(-1)
	metrics.ConnectionsActive.Dec()
	s.wg.Done()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

// handle runs the decode loop for one connection. Frames are queued in the
// order they were read.
func (s *Server) handle(ctx context.Context, id uuid.UUID, conn net.Conn) {
	defer s.untrack(id)
	defer conn.Close()

	log := s.log.With(
		zap.String("session", id.String()),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	log.Info("connection opened")

	r := wire.NewReader(conn, s.cfg.MaxFrameSize)
	for {
		a, err := r.ReadAction()
		if err != nil {
			s.closed(log, err)
			return
		}

		if !s.queue.TryPush(a) {
			log.Debug("processing queue full, applying backpressure", zap.Int("capacity", s.queue.Cap()))
			if err := s.queue.Push(ctx, a); err != nil {
				log.Debug("connection dropped while waiting for queue space", zap.Error(err))
				return
			}
		}
		metrics.FramesAccepted.Inc()
	}
}

func (s *Server) closed(log *zap.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		log.Info("connection closed by peer")
	case errors.Is(err, wire.ErrFrameTooLarge):
		metrics.FramesRejected.WithLabelValues(metrics.ReasonFrameTooLarge).Inc()
		log.Warn("closing connection: frame too large", zap.Error(err))
	case errors.Is(err, action.ErrInvalidAction):
		metrics.FramesRejected.WithLabelValues(metrics.ReasonInvalid).Inc()
		log.Warn("closing connection: invalid action", zap.Error(err))
	case errors.Is(err, wire.ErrDecode):
		metrics.FramesRejected.WithLabelValues(metrics.ReasonDecode).Inc()
		log.Warn("closing connection: malformed frame", zap.Error(err))
	case errors.Is(err, net.ErrClosed):
		log.Debug("connection closed on shutdown")
	default:
		log.Warn("connection read failed", zap.Error(err))
	}
}
