package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// The initial connect uses a linear backoff: attempt n waits
// n*RetryConnectInterval before dialing.
const (
	DefaultRetryConnectLimit    = 15
	DefaultRetryConnectInterval = 3 * time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
)

var (
	ErrConnect  = errors.New("cannot connect to harpd")
	ErrTransmit = errors.New("transmit failed")
	ErrClosed   = errors.New("stream closed")
)

type State int32

const (
	StateConnected State = iota
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Dialer opens the underlying connection. net.Dialer.DialContext bound to
// "tcp" is used when none is set.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

type StreamOptions struct {
	RetryConnectLimit    int
	RetryConnectInterval time.Duration
	MaxReconnectDelay    time.Duration
	WriteTimeout         time.Duration
	Dialer               Dialer
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.RetryConnectLimit <= 0 {
		o.RetryConnectLimit = DefaultRetryConnectLimit
	}
	if o.RetryConnectInterval <= 0 {
		o.RetryConnectInterval = DefaultRetryConnectInterval
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if o.MaxReconnectDelay < o.RetryConnectInterval {
		o.MaxReconnectDelay = o.RetryConnectInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Dialer == nil {
		var d net.Dialer
		o.Dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return o
}

// Stream is a TCP connection to harpd that reconnects on its own. While
// reconnecting, Write fails fast with ErrTransmit so the caller can park the
// frame and move on.
type Stream struct {
	addr string
	opts StreamOptions
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conn  net.Conn
	state State
}

// Dial connects to addr, retrying with a linear backoff up to
// RetryConnectLimit attempts.
func Dial(ctx context.Context, addr string, opts StreamOptions, log *zap.Logger) (*Stream, error) {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt < opts.RetryConnectLimit; attempt++ {
		if attempt > 0 {
			delay := opts.RetryConnectInterval * time.Duration(attempt)
			log.Warn("harpd unreachable, retrying",
				zap.String("addr", addr),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
			case <-time.After(delay):
			}
		}

		conn, err := opts.Dialer(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}

		streamCtx, cancel := context.WithCancel(context.Background())
		s := &Stream{
			addr:   addr,
			opts:   opts,
			log:    log,
			ctx:    streamCtx,
			cancel: cancel,
		}
		s.attach(conn)
		log.Info("connected to harpd", zap.String("addr", addr))
		return s, nil
	}

	return nil, fmt.Errorf("%w at %s after %d attempts: %w", ErrConnect, addr, opts.RetryConnectLimit, lastErr)
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write sends one frame. It never blocks on reconnection.
func (s *Stream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return fmt.Errorf("%w: %w", ErrTransmit, ErrClosed)
	case StateReconnecting:
		return fmt.Errorf("%w: reconnecting to %s", ErrTransmit, s.addr)
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		s.breakLocked(s.conn, err)
		return fmt.Errorf("%w: %w", ErrTransmit, err)
	}
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return err
}

// attach installs a fresh connection and starts watching it for a remote
// close. harpd never writes to the client, so any read result means the
// connection is gone.
func (s *Stream) attach(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	s.conn = conn
	s.state = StateConnected

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := io.Copy(io.Discard, conn)
		if err == nil {
			err = io.EOF
		}
		s.mu.Lock()
		s.breakLocked(conn, err)
		s.mu.Unlock()
	}()
}

// breakLocked drops conn and starts reconnecting, unless conn has already
// been replaced or the stream is closed.
func (s *Stream) breakLocked(conn net.Conn, cause error) {
	if s.state != StateConnected || s.conn != conn {
		return
	}
	_ = conn.Close()
	s.conn = nil
	s.state = StateReconnecting
	s.log.Warn("lost connection to harpd", zap.String("addr", s.addr), zap.Error(cause))

	s.wg.Add(1)
	go s.reconnect()
}

func (s *Stream) reconnect() {
	defer s.wg.Done()

	for attempt := 1; ; attempt++ {
		delay := s.opts.RetryConnectInterval * time.Duration(attempt)
		if delay > s.opts.MaxReconnectDelay {
			delay = s.opts.MaxReconnectDelay
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := s.opts.Dialer(s.ctx, s.addr)
		if err != nil {
			s.log.Debug("reconnect failed",
				zap.String("addr", s.addr),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.attach(conn)
		s.mu.Unlock()

		s.log.Info("reconnected to harpd", zap.String("addr", s.addr), zap.Int("attempts", attempt))
		return
	}
}
