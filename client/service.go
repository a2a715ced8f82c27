// Package client is the producer side of harp. Applications obtain a Sender,
// hand it actions from any goroutine, and a background Service owns the
// connection to harpd, parking anything it cannot deliver in a Reserve.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harplog/harp/action"
	"github.com/harplog/harp/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 7777
	DefaultQueueCapacity   = 1024
	DefaultReserveInterval = 3 * time.Second
)

var ErrEnqueue = errors.New("enqueue failed")

type Options struct {
	// QueueCapacity bounds the channel between Send and the network task.
	QueueCapacity int
	// ReserveCapacity bounds the reserve. Zero selects the default, a
	// negative value disables the bound.
	ReserveCapacity int
	// ReserveInterval is how often reserved frames are retried.
	ReserveInterval time.Duration
	// ReserveRate limits reserve resends per second so a recovering harpd
	// is not flooded. Zero means no limit.
	ReserveRate  rate.Limit
	ReserveBurst int
	// MaxFrameSize must not exceed the ceiling configured on harpd.
	MaxFrameSize int
	Stream       StreamOptions
	Logger       *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		QueueCapacity:   DefaultQueueCapacity,
		ReserveCapacity: DefaultReserveCapacity,
		ReserveInterval: DefaultReserveInterval,
		MaxFrameSize:    wire.DefaultMaxFrameSize,
	}
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.ReserveCapacity == 0 {
		o.ReserveCapacity = DefaultReserveCapacity
	}
	if o.ReserveInterval <= 0 {
		o.ReserveInterval = DefaultReserveInterval
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Stats is a point-in-time view of the client pipeline.
type Stats struct {
	Queued   int
	Reserved int
	Sent     int64
	Failed   int64
	Dropped  int64
}

// Service owns the connection to harpd.
type Service struct {
	opts    Options
	log     *zap.Logger
	stream  *Stream
	queue   chan []byte
	reserve *Reserve
	limiter *rate.Limiter

	// mu orders Send against shutdown so nothing is queued after the final
	// drain.
	mu      sync.RWMutex
	stopped bool

	sent   atomic.Int64
	failed atomic.Int64
}

// Addr joins host and port, falling back to the default harpd address for
// empty values.
func Addr(host string, port int) string {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Connect dials harpd. Run must be called for queued actions to be sent.
func Connect(ctx context.Context, addr string, opts Options) (*Service, error) {
	opts = opts.withDefaults()

	stream, err := Dial(ctx, addr, opts.Stream, opts.Logger)
	if err != nil {
		return nil, err
	}
	return newService(stream, opts), nil
}

func newService(stream *Stream, opts Options) *Service {
	var limiter *rate.Limiter
	if opts.ReserveRate > 0 {
		burst := opts.ReserveBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.ReserveRate, burst)
	}

	return &Service{
		opts:    opts,
		log:     opts.Logger,
		stream:  stream,
		queue:   make(chan []byte, opts.QueueCapacity),
		reserve: NewReserve(opts.ReserveCapacity),
		limiter: limiter,
	}
}

// Start connects and runs the service in its own goroutine until ctx is
// done. It returns the handle applications send through.
func Start(ctx context.Context, addr string, opts Options) (Sender, error) {
	svc, err := Connect(ctx, addr, opts)
	if err != nil {
		return Sender{}, err
	}
	go func() {
		_ = svc.Run(ctx)
	}()
	return svc.Sender(), nil
}

// Sender returns a handle for submitting actions. Handles are cheap to copy
// and safe for concurrent use.
func (s *Service) Sender() Sender {
	return Sender{svc: s}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:   len(s.queue),
		Reserved: s.reserve.Len(),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.reserve.Dropped(),
	}
}

// Run forwards queued frames to harpd and periodically retries the reserve.
// On return every undelivered frame has been moved to the reserve and one
// last delivery attempt has been made.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.ReserveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case frame := <-s.queue:
			s.transmit(frame)
		case <-ticker.C:
			s.retryReserve()
		}
	}
}

func (s *Service) transmit(frame []byte) {
	if err := s.stream.Write(frame); err != nil {
		s.failed.Add(1)
		s.log.Debug("moving action to reserve", zap.Error(err))
		s.park(frame)
		return
	}
	s.sent.Add(1)
}

func (s *Service) park(frame []byte) {
	if s.reserve.Push(frame) {
		s.log.Warn("reserve full, oldest action dropped",
			zap.Int("capacity", s.opts.ReserveCapacity),
			zap.Int64("dropped_total", s.reserve.Dropped()),
		)
	}
}

func (s *Service) retryReserve() {
	pending := s.reserve.Len()
	if pending == 0 {
		return
	}
	if s.stream.State() != StateConnected {
		s.log.Debug("harpd unavailable, holding reserve", zap.Int("reserved", pending))
		return
	}

	var allow func() bool
	if s.limiter != nil {
		allow = s.limiter.Allow
	}

	sent, err := s.reserve.Retry(s.stream.Write, allow)
	s.sent.Add(int64(sent))
	if err != nil {
		s.failed.Add(1)
	}
	s.log.Debug("retried reserved actions",
		zap.Int("sent", sent),
		zap.Int("remaining", s.reserve.Len()),
		zap.Error(err),
	)
}

// enqueue hands a frame to the network task without blocking.
func (s *Service) enqueue(frame []byte) error {
	select {
	case s.queue <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send queue full (%d)", ErrEnqueue, cap(s.queue))
	}
}

func (s *Service) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

drain:
	for {
		select {
		case frame := <-s.queue:
			s.transmit(frame)
		default:
			break drain
		}
	}

	if s.stream.State() == StateConnected {
		sent, _ := s.reserve.Retry(s.stream.Write, nil)
		s.sent.Add(int64(sent))
	}
	if n := s.reserve.Len(); n > 0 {
		s.log.Warn("shutting down with undelivered actions", zap.Int("count", n))
	}
	_ = s.stream.Close()
}

// Sender submits actions to a Service. The zero Sender is not usable and
// panics on Send; obtain one from Start or Service.Sender.
type Sender struct {
	svc *Service
}

// Send validates and encodes the action, then hands it to the network task
// without blocking. If the queue is full the action goes to the reserve;
// either way delivery is now the service's job and Send returns nil. Errors
// are returned only for actions that can never be delivered: invalid ones
// and ones larger than the frame ceiling. Once Run has returned Send fails
// with ErrClosed.
func (s Sender) Send(a action.Action) error {
	frame, err := wire.Encode(a, s.svc.opts.MaxFrameSize)
	if err != nil {
		return err
	}

	s.svc.mu.RLock()
	defer s.svc.mu.RUnlock()
	if s.svc.stopped {
		return ErrClosed
	}

	if err := s.svc.enqueue(frame); err != nil {
		s.svc.log.Debug("moving action to reserve", zap.Error(err))
		s.svc.park(frame)
	}
	return nil
}
