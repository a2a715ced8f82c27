// Package batch moves actions from the processing queue into storage, one
// transaction per tick.
package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harplog/harp/action"
	"github.com/harplog/harp/internal/events"
	"github.com/harplog/harp/internal/metrics"
	"github.com/harplog/harp/internal/queue"
	"github.com/harplog/harp/internal/repositories"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const breakerName = "harp-storage"

// Sink persists a batch atomically. Failures caused by the store being
// unreachable must satisfy repositories.IsUnavailable.
type Sink interface {
	InsertBatch(ctx context.Context, batch []action.Action) error
	Ping(ctx context.Context) error
}

type Config struct {
	Interval        time.Duration
	MaxAttempts     int
	ShutdownTimeout time.Duration
	EventsChannel   string

	// Consecutive unavailable commits before the breaker opens, and how long
	// it stays open before a trial commit.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 10 * time.Second
	}
	return c
}

// Writer is the only component that writes to the sink. Run, Flush and Tick
// must not be called concurrently.
type Writer struct {
	queue     *queue.Queue
	sink      Sink
	cfg       Config
	log       *zap.Logger
	publisher events.Publisher
	breaker   *gobreaker.CircuitBreaker[struct{}]

	// pending is drained from the queue once and held until it commits or
	// is discarded.
	pending  []action.Action
	batchID  uuid.UUID
	attempts int

	pendingLen atomic.Int64
	committed  atomic.Int64
}

func New(q *queue.Queue, sink Sink, cfg Config, log *zap.Logger, publisher events.Publisher) *Writer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	w := &Writer{
		queue:     q,
		sink:      sink,
		cfg:       cfg,
		log:       log,
		publisher: publisher,
	}

	metrics.BreakerState.WithLabelValues(breakerName).Set(0)
	w.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		// data errors say nothing about the health of the store
		IsSuccessful: func(err error) bool {
			return err == nil || !repositories.IsUnavailable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to))
		},
	})
	return w
}

// Pending is the size of the batch currently awaiting commit.
func (w *Writer) Pending() int { return int(w.pendingLen.Load()) }

// Committed is the number of actions persisted since start.
func (w *Writer) Committed() int64 { return w.committed.Load() }

func (w *Writer) BreakerState() gobreaker.State { return w.breaker.State() }

// Run commits once per interval until ctx is done, then flushes whatever is
// pending or queued within the shutdown timeout.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Info("batch writer started", zap.Duration("interval", w.cfg.Interval))

	for {
		select {
		case <-ticker.C:
			w.Tick(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
			err := w.Flush(flushCtx)
			cancel()
			if err != nil {
				w.log.Error("flush on shutdown incomplete", zap.Error(err))
				w.discard(w.pending, "shutdown")
				w.discard(w.queue.Drain(), "shutdown")
				w.setPending(nil)
			}
			w.log.Info("batch writer stopped", zap.Int64("committed", w.Committed()))
			return nil
		}
	}
}

// Tick runs one cycle: take a snapshot of the queue unless a batch is still
// pending, then try to commit it.
func (w *Writer) Tick(ctx context.Context) {
	metrics.QueueDepth.Set(float64(w.queue.Len()))

	if len(w.pending) == 0 {
		w.setPending(w.queue.Drain())
	}
	if len(w.pending) == 0 {
		return
	}

	// a transaction in flight is allowed to finish during shutdown
	_ = w.commit(context.WithoutCancel(ctx), true)
}

// Flush commits the pending batch and everything queued, bypassing the
// circuit breaker, until the queue is empty or ctx is done.
func (w *Writer) Flush(ctx context.Context) error {
	for {
		if len(w.pending) == 0 {
			w.setPending(w.queue.Drain())
		}
		if len(w.pending) == 0 {
			return nil
		}

		if err := w.commit(ctx, false); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (w *Writer) setPending(batch []action.Action) {
	if len(batch) > 0 && len(w.pending) == 0 {
		w.batchID = uuid.New()
		w.attempts = 0
	}
	w.pending = batch
	w.pendingLen.Store(int64(len(batch)))
	metrics.PendingBatchSize.Set(float64(len(batch)))
}

func (w *Writer) commit(ctx context.Context, viaBreaker bool) error {
	insert := func() (struct{}, error) {
		return struct{}{}, w.sink.InsertBatch(ctx, w.pending)
	}

	start := time.Now()
	var err error
	if viaBreaker {
		_, err = w.breaker.Execute(insert)
	} else {
		_, err = insert()
	}
	elapsed := time.Since(start)

	log := w.log.With(
		zap.String("batch_id", w.batchID.String()),
		zap.Int("size", len(w.pending)),
	)

	switch {
	case err == nil:
		w.recordCommit(ctx, w.pending, elapsed)
		w.setPending(nil)
		return nil

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.BatchesFailed.WithLabelValues("breaker_open").Inc()
		log.Debug("storage circuit open, holding batch")
		return err

	case repositories.IsUnavailable(err):
		metrics.BatchesFailed.WithLabelValues("unavailable").Inc()
		log.Warn("storage unavailable, batch will be retried", zap.Error(err))
		if perr := w.sink.Ping(ctx); perr != nil {
			log.Warn("storage reconnect failed", zap.Error(perr))
		} else {
			log.Info("storage reachable again")
		}
		return err

	default:
		w.attempts++
		metrics.BatchesFailed.WithLabelValues("data").Inc()
		log.Error("batch rejected by storage",
			zap.Int("attempt", w.attempts),
			zap.Int("max_attempts", w.cfg.MaxAttempts),
			zap.Error(err),
		)
		if len(w.pending) > 1 && w.isolate(ctx) {
			return err
		}
		if len(w.pending) == 0 {
			return nil
		}
		if w.attempts >= w.cfg.MaxAttempts {
			w.discard(w.pending, "rejected")
			w.publish(ctx, events.EventActionsDiscarded, w.pending)
			w.setPending(nil)
		}
		return err
	}
}

func (w *Writer) recordCommit(ctx context.Context, batch []action.Action, elapsed time.Duration) {
	metrics.CommitDuration.Observe(elapsed.Seconds())
	metrics.BatchesCommitted.Inc()
	metrics.ActionsPersisted.Add(float64(len(batch)))
	w.committed.Add(int64(len(batch)))
	w.log.Debug("batch committed",
		zap.String("batch_id", w.batchID.String()),
		zap.Int("size", len(batch)),
		zap.Duration("took", elapsed),
	)
	w.publish(ctx, events.EventBatchCommitted, batch)
}

// isolate bisects the pending batch after storage rejected it, committing
// every part that storage accepts. Afterwards pending holds only the rows
// rejected on their own, plus any rows not tried because storage became
// unavailable midway, which is reported.
func (w *Writer) isolate(ctx context.Context) (unavailable bool) {
	var left []action.Action

	var walk func(batch []action.Action)
	walk = func(batch []action.Action) {
		if unavailable {
			left = append(left, batch...)
			return
		}

		start := time.Now()
		err := w.sink.InsertBatch(ctx, batch)
		switch {
		case err == nil:
			w.recordCommit(ctx, batch, time.Since(start))
		case repositories.IsUnavailable(err):
			unavailable = true
			left = append(left, batch...)
		case len(batch) == 1:
			w.log.Warn("action rejected by storage",
				zap.String("batch_id", w.batchID.String()),
				zap.Uint32("unique_id", batch[0].ID),
				zap.String("kind", batch[0].Kind),
				zap.Error(err),
			)
			left = append(left, batch...)
		default:
			mid := len(batch) / 2
			walk(batch[:mid])
			walk(batch[mid:])
		}
	}

	mid := len(w.pending) / 2
	walk(w.pending[:mid])
	walk(w.pending[mid:])

	w.setPending(left)
	return unavailable
}

// discard writes every action to the error log so nothing is lost silently.
func (w *Writer) discard(batch []action.Action, reason string) {
	for _, a := range batch {
		w.log.Error("action discarded",
			zap.String("reason", reason),
			zap.String("batch_id", w.batchID.String()),
			zap.Uint32("unique_id", a.ID),
			zap.String("ip_address", a.Addr.String()),
			zap.String("kind", a.Kind),
			zap.ByteString("detail", a.Detail),
		)
	}
	metrics.ActionsDeadLettered.Add(float64(len(batch)))
}

func (w *Writer) publish(ctx context.Context, eventType string, batch []action.Action) {
	kinds := make(map[string]int)
	for _, a := range batch {
		kinds[a.Kind]++
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	err := w.publisher.Publish(ctx, w.cfg.EventsChannel, events.New(eventType, map[string]any{
		"batch_id": w.batchID.String(),
		"count":    len(batch),
		"kinds":    kinds,
	}))
	if err != nil {
		w.log.Warn("failed to publish batch event", zap.String("type", eventType), zap.Error(err))
	}
}
