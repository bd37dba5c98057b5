package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// writerBackend is the slice of the persistence surface the async
// writer needs. Both Store and MongoStore satisfy it.
type writerBackend interface {
	SaveFrame(ctx context.Context, executionID string, sequence int, tree string) error
	SetState(ctx context.Context, executionID, key string, value json.RawMessage, trigger string) error
}

var (
	_ writerBackend = (*Store)(nil)
	_ writerBackend = (*MongoStore)(nil)
)

type writeOp func(ctx context.Context) error

// Writer serializes best-effort writes behind a bounded queue drained
// by a single goroutine. Enqueueing never blocks: when the queue is
// full the write is dropped and counted. Failures are logged and
// swallowed. The convergence loop uses it for frame snapshots and
// state cell writes so persistence can never stall an iteration.
type Writer struct {
	backend writerBackend
	queue   chan writeOp
	done    chan struct{}
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewWriter starts the drain goroutine. A non-positive queueSize
// defaults to 256.
func NewWriter(backend writerBackend, queueSize int, logger *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Writer{
		backend: backend,
		queue:   make(chan writeOp, queueSize),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "store.writer")),
		timeout: 5 * time.Second,
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)

	for op := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := op(ctx); err != nil {
			w.logger.Warn("best-effort write failed", zap.Error(err))
		}
		cancel()
	}
}

// SaveFrame enqueues a frame snapshot write.
func (w *Writer) SaveFrame(executionID string, sequence int, tree string) {
	w.enqueue(func(ctx context.Context) error {
		return w.backend.SaveFrame(ctx, executionID, sequence, tree)
	})
}

// SetState enqueues a state cell write.
func (w *Writer) SetState(executionID, key string, value json.RawMessage, trigger string) {
	w.enqueue(func(ctx context.Context) error {
		return w.backend.SetState(ctx, executionID, key, value, trigger)
	})
}

func (w *Writer) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.logger.Warn("writer closed, dropping write")
		w.dropped.Add(1)
		return
	}

	select {
	case w.queue <- op:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("write queue full, dropping write", zap.Int64("dropped_total", n))
	}
}

// Flush blocks until every write enqueued before the call has been
// attempted, or ctx expires.
func (w *Writer) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case w.queue <- func(context.Context) error {
		close(flushed)
		return nil
	}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many writes were discarded because the queue was
// full or the writer closed.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting writes, drains the queue, and waits for the
// drain goroutine to exit. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.queue)
	<-w.done
	return nil
}
