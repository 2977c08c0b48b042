package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"minidb/logger"
)

// ErrQueueClosed is returned when work is submitted to a stopped queue.
var ErrQueueClosed = errors.New("write queue closed")

// WriteFunc is one unit of file-mutating work. The context carries the
// submitter's cancellation signal; cancellation mid-execution is
// cooperative.
type WriteFunc func(ctx context.Context) error

// writeOp pairs a unit of work with its completion channel.
type writeOp struct {
	fn   WriteFunc
	ctx  context.Context
	done chan error
}

// WriteQueue serializes all mutating file operations for one path.
// Arbitrary producers submit work; a single consumer goroutine executes
// it strictly in submission order, so the file never sees two writers
// even briefly.
type WriteQueue struct {
	queue    chan *writeOp
	stopChan chan struct{}
	wg       sync.WaitGroup

	maxQueueSize int
	timeout      time.Duration

	queueDepth int64
	processed  int64
	errs       int64
	running    int32
}

// NewWriteQueue creates a queue with the given capacity and shutdown
// drain bound.
func NewWriteQueue(queueSize int, shutdownTimeout time.Duration) *WriteQueue {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &WriteQueue{
		queue:        make(chan *writeOp, queueSize),
		stopChan:     make(chan struct{}),
		maxQueueSize: queueSize,
		timeout:      shutdownTimeout,
	}
}

// Start begins the consumer goroutine.
func (q *WriteQueue) Start() error {
	if !atomic.CompareAndSwapInt32(&q.running, 0, 1) {
		return fmt.Errorf("write queue already running")
	}
	q.wg.Add(1)
	go q.processQueue()
	logger.TraceIf("queue", "write queue started with size %d", q.maxQueueSize)
	return nil
}

// Stop closes the queue to new submissions and drains outstanding work,
// bounded by the shutdown timeout.
func (q *WriteQueue) Stop() error {
	if !atomic.CompareAndSwapInt32(&q.running, 1, 0) {
		return fmt.Errorf("write queue not running")
	}
	close(q.stopChan)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.TraceIf("queue", "write queue stopped")
		return nil
	case <-time.After(q.timeout):
		logger.Warn("write queue stop timed out after %v", q.timeout)
		return fmt.Errorf("write queue shutdown timeout")
	}
}

// processQueue is the single consumer loop.
func (q *WriteQueue) processQueue() {
	defer q.wg.Done()

	for {
		select {
		case op := <-q.queue:
			q.run(op)
		case <-q.stopChan:
			// Drain whatever was submitted before the stop.
			for {
				select {
				case op := <-q.queue:
					q.run(op)
				default:
					return
				}
			}
		}
	}
}

// run executes one operation and completes it. An operation whose context
// was cancelled while queued never runs.
func (q *WriteQueue) run(op *writeOp) {
	if op == nil {
		return
	}
	atomic.AddInt64(&q.queueDepth, -1)

	var err error
	if err = op.ctx.Err(); err == nil {
		err = op.fn(op.ctx)
	}

	atomic.AddInt64(&q.processed, 1)
	if err != nil {
		atomic.AddInt64(&q.errs, 1)
	}
	op.done <- err
}

// Submit appends work to the queue and returns a completion channel that
// receives the work's outcome exactly once.
func (q *WriteQueue) Submit(ctx context.Context, fn WriteFunc) (<-chan error, error) {
	if atomic.LoadInt32(&q.running) == 0 {
		return nil, ErrQueueClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	op := &writeOp{fn: fn, ctx: ctx, done: make(chan error, 1)}

	select {
	case q.queue <- op:
		atomic.AddInt64(&q.queueDepth, 1)
		return op.done, nil
	case <-q.stopChan:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush submits a no-op and waits for it, returning once every previously
// submitted work unit has finished.
func (q *WriteQueue) Flush(ctx context.Context) error {
	done, err := q.Submit(ctx, func(context.Context) error { return nil })
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns queue counters.
func (q *WriteQueue) Stats() map[string]int64 {
	return map[string]int64{
		"queue_depth": atomic.LoadInt64(&q.queueDepth),
		"processed":   atomic.LoadInt64(&q.processed),
		"errors":      atomic.LoadInt64(&q.errs),
		"max_size":    int64(q.maxQueueSize),
		"running":     int64(atomic.LoadInt32(&q.running)),
	}
}

// IsRunning reports whether the consumer is accepting work.
func (q *WriteQueue) IsRunning() bool {
	return atomic.LoadInt32(&q.running) == 1
}
