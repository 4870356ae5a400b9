package concurrent

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/flowpipe/internal/gopool"
	"github.com/vnykmshr/flowpipe/pkg/buffers/memory"
	"github.com/vnykmshr/flowpipe/pkg/buffers/segment"
	"github.com/vnykmshr/flowpipe/pkg/common/errors"
	"github.com/vnykmshr/flowpipe/pkg/metrics"
	"github.com/vnykmshr/flowpipe/pkg/streaming/pipe"
)

const module = "concurrent"

// MinimumSegmentSize is the smallest block requested for a local segment.
const MinimumSegmentSize = 4096

// Mode is the operating state of a Writer.
type Mode int

const (
	// ModePassthrough forwards every call to the inner writer.
	ModePassthrough Mode = iota

	// ModeBuffering collects writes in local segments because a flush is
	// outstanding or a buffered write is between GetMemory and Advance.
	ModeBuffering
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePassthrough:
		return "passthrough"
	case ModeBuffering:
		return "buffering"
	default:
		return "unknown"
	}
}

// Stats holds statistics about a Writer.
type Stats struct {
	// Mode is the current operating state.
	Mode Mode

	// BufferedBytes is the number of bytes held in local segments.
	BufferedBytes int64

	// InnerFlushes is the number of FlushAsync calls made on the inner writer.
	InnerFlushes int64

	// CoalescedFlushes is the number of FlushAsync calls that joined an
	// outstanding flush.
	CoalescedFlushes int64

	// CanceledFlushes is the number of flush cycles resolved as canceled.
	CanceledFlushes int64

	// ModeSwitches is the number of mode transitions.
	ModeSwitches int64

	// SegmentsPooled is the number of idle segments held for reuse.
	SegmentsPooled int
}

// Option configures a Writer.
type Option func(*Writer)

// WithName labels the writer's metrics and log lines.
func WithName(name string) Option {
	return func(w *Writer) {
		w.name = name
	}
}

// WithMetrics records mode switches, buffered bytes and coalesced flushes
// into reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(w *Writer) {
		w.registry = reg
	}
}

// WithLogger sets the logger used for flush failures.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

// WithMaxSegmentPoolSize caps the idle segments kept for reuse.
func WithMaxSegmentPoolSize(n int) Option {
	return func(w *Writer) {
		w.segments = segment.NewStack(n)
	}
}

// Writer wraps an inner pipe.Writer so a producer can keep calling
// GetMemory and Advance while a flush of the inner writer is in flight.
//
// With no flush outstanding calls go straight to the inner writer. While a
// flush is outstanding writes are kept in local segments, and a background
// loop copies them into the inner writer and flushes again once the
// previous flush lands. Concurrent FlushAsync callers share one flush
// cycle.
//
// All state is guarded by one lock, which may be shared with the owning
// connection. The lock is never held while waiting on the inner writer.
type Writer struct {
	inner    pipe.Writer
	pool     memory.Pool
	lock     sync.Locker
	segments *segment.Stack

	name     string
	registry *metrics.Registry
	metrics  *metrics.WriterMetrics
	logger   zerolog.Logger

	mode Mode

	head              *segment.Segment
	tail              *segment.Segment
	tailMemory        []byte
	tailBytesBuffered int
	bytesBuffered     int64

	currentFlush         *pipe.TaskSource
	bufferedWritePending bool

	aborted     bool
	completed   bool
	completeErr error
	failed      error

	innerFlushes     int64
	coalescedFlushes int64
	canceledFlushes  int64
	modeSwitches     int64
}

var _ pipe.Writer = (*Writer)(nil)

// New wraps inner. Local segments are rented from pool, or memory.Default
// when pool is nil. A nil lock gets a private mutex.
func New(inner pipe.Writer, pool memory.Pool, lock sync.Locker, opts ...Option) *Writer {
	if pool == nil {
		pool = memory.Default()
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}

	w := &Writer{
		inner:  inner,
		pool:   pool,
		lock:   lock,
		name:   "default",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.segments == nil {
		w.segments = segment.NewStack(segment.DefaultMaxPoolSize)
	}
	w.metrics = w.registry.ForWriter(w.name)
	w.logger = w.logger.With().Str("writer", w.name).Logger()
	return w
}

// Mode returns the current operating state.
func (w *Writer) Mode() Mode {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.mode
}

// BufferedBytes returns the number of bytes held in local segments.
func (w *Writer) BufferedBytes() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.bytesBuffered
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	w.lock.Lock()
	defer w.lock.Unlock()
	return Stats{
		Mode:             w.mode,
		BufferedBytes:    w.bytesBuffered,
		InnerFlushes:     w.innerFlushes,
		CoalescedFlushes: w.coalescedFlushes,
		CanceledFlushes:  w.canceledFlushes,
		ModeSwitches:     w.modeSwitches,
		SegmentsPooled:   w.segments.Len(),
	}
}

// GetMemory returns at least sizeHint writable bytes, from the inner
// writer in passthrough mode and from a local segment otherwise.
func (w *Writer) GetMemory(sizeHint int) ([]byte, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.completed {
		return nil, pipe.ErrWriterCompleted
	}
	if sizeHint < 0 {
		return nil, pipe.ErrNegativeSizeHint
	}
	if w.passthroughLocked() {
		return w.inner.GetMemory(sizeHint)
	}

	w.allocateMemoryLocked(sizeHint)
	w.refreshModeLocked()
	return w.tailMemory, nil
}

// GetSpan is GetMemory.
func (w *Writer) GetSpan(sizeHint int) ([]byte, error) {
	return w.GetMemory(sizeHint)
}

// Advance commits n bytes of the buffer returned by the last GetMemory.
func (w *Writer) Advance(n int) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.completed {
		return pipe.ErrWriterCompleted
	}
	if w.passthroughLocked() {
		return w.inner.Advance(n)
	}
	if n < 0 || n > len(w.tailMemory) {
		return pipe.ErrAdvanceOutOfRange
	}

	w.tailBytesBuffered += n
	w.bytesBuffered += int64(n)
	w.tailMemory = w.tailMemory[n:]
	w.bufferedWritePending = false
	w.metrics.Buffered(w.bytesBuffered)
	return nil
}

// FlushAsync flushes everything written so far.
//
// If a flush is outstanding the returned task joins it. Otherwise buffered
// bytes are copied into the inner writer and the inner writer is flushed;
// a synchronous inner result is returned as is, and an asynchronous one
// starts a flush cycle that keeps copying and flushing until nothing new
// was buffered. ctx bounds only this caller's wait.
//
// After an inner flush fails every later call returns that error without
// touching the inner writer.
func (w *Writer) FlushAsync(ctx context.Context) *pipe.FlushTask {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.failed != nil {
		return pipe.Completed(pipe.FlushResult{}, w.failed)
	}

	if w.currentFlush != nil {
		w.coalescedFlushes++
		w.metrics.Coalesced()
		return w.currentFlush.Task().Bind(ctx)
	}

	if w.bytesBuffered > 0 {
		if err := w.copyAndReturnSegmentsLocked(); err != nil {
			w.failLocked(err)
			w.refreshModeLocked()
			return pipe.Completed(pipe.FlushResult{}, w.failed)
		}
	}

	flushCtx := context.WithoutCancel(ctx)
	task := w.inner.FlushAsync(flushCtx)
	w.innerFlushes++

	if task.IsCompletedSuccessfully() {
		w.refreshModeLocked()
		return task
	}

	src := pipe.NewTaskSource()
	w.currentFlush = src
	w.refreshModeLocked()

	gopool.Submit(func() {
		w.flushLoop(flushCtx, task)
	})
	return src.Task().Bind(ctx)
}

// flushLoop waits for the inner flush and keeps draining local segments
// into the inner writer until a flush lands with nothing new buffered.
func (w *Writer) flushLoop(ctx context.Context, task *pipe.FlushTask) {
	for {
		res, err := task.Result()

		w.lock.Lock()
		if err != nil {
			finish := w.completeFlushLocked(pipe.FlushResult{}, err)
			w.lock.Unlock()
			finish()
			return
		}

		if w.bytesBuffered == 0 || w.aborted {
			finish := w.completeFlushLocked(res, nil)
			w.lock.Unlock()
			finish()
			return
		}

		if res.IsCanceled {
			// Resolve the current awaiters; writes buffered after them
			// get a fresh cycle.
			w.canceledFlushes++
			w.currentFlush.SetResult(res)
			w.currentFlush = pipe.NewTaskSource()
		}

		if err := w.copyAndReturnSegmentsLocked(); err != nil {
			finish := w.completeFlushLocked(pipe.FlushResult{}, err)
			w.lock.Unlock()
			finish()
			return
		}

		task = w.inner.FlushAsync(ctx)
		w.innerFlushes++
		w.lock.Unlock()
	}
}

// CancelPendingFlush forwards to the inner writer.
func (w *Writer) CancelPendingFlush() {
	w.inner.CancelPendingFlush()
}

// Abort drops buffered data. With a flush outstanding the segments are
// released once it completes; otherwise they are released now.
func (w *Writer) Abort() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.aborted = true
	if w.currentFlush == nil {
		w.cleanupSegmentsLocked()
	}
	w.refreshModeLocked()
}

// Complete finishes the writer. With no flush outstanding buffered bytes
// are copied into the inner writer, segments are released and the inner
// writer is completed with err now. Otherwise this happens when the
// outstanding flush completes. Later calls do nothing.
//
// The inner writer is completed after the lock is released.
func (w *Writer) Complete(err error) error {
	w.lock.Lock()
	if w.completed {
		w.lock.Unlock()
		return nil
	}
	w.completed = true
	w.completeErr = err

	if w.currentFlush != nil {
		w.lock.Unlock()
		return nil
	}

	var copyErr error
	if w.bytesBuffered > 0 {
		copyErr = w.copyAndReturnSegmentsLocked()
	}
	w.cleanupSegmentsLocked()
	w.refreshModeLocked()
	w.lock.Unlock()

	if innerErr := w.inner.Complete(err); innerErr != nil {
		return innerErr
	}
	return copyErr
}

// Reset prepares a completed or aborted writer for reuse by a pooled
// connection. It must not be called while a flush is outstanding.
func (w *Writer) Reset() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.aborted = false
	w.completed = false
	w.completeErr = nil
	w.failed = nil
	w.bufferedWritePending = false
}

func (w *Writer) passthroughLocked() bool {
	return w.currentFlush == nil && w.head == nil
}

func (w *Writer) refreshModeLocked() {
	mode := ModeBuffering
	if w.passthroughLocked() {
		mode = ModePassthrough
	}
	if mode == w.mode {
		return
	}
	w.mode = mode
	w.modeSwitches++
	w.metrics.ModeSwitched(mode.String())
}

// completeFlushLocked ends the flush cycle. The returned func completes
// the inner writer when Complete was deferred and then resolves the
// awaiters; call it after releasing the lock.
func (w *Writer) completeFlushLocked(res pipe.FlushResult, err error) func() {
	if w.completed || w.aborted {
		w.cleanupSegmentsLocked()
	}

	if err != nil && !isCancellation(err) {
		w.failLocked(err)
		err = w.failed
	}

	src := w.currentFlush
	w.currentFlush = nil
	completeInner, completeErr := w.completed, w.completeErr
	w.refreshModeLocked()

	return func() {
		if completeInner {
			if cerr := w.inner.Complete(completeErr); cerr != nil {
				w.logger.Error().Err(cerr).Msg("completing inner writer failed")
			}
		}
		if err != nil {
			src.SetError(err)
			return
		}
		src.SetResult(res)
	}
}

func (w *Writer) failLocked(err error) {
	if w.failed != nil {
		return
	}
	var opErr *errors.OperationError
	if !stderrors.As(err, &opErr) {
		err = errors.NewOperationError(module, "flush", err)
	}
	w.failed = err
	w.metrics.FlushFailed()
	w.logger.Error().Err(err).Msg("inner flush failed, writer is now failed")
}

func (w *Writer) allocateMemoryLocked(sizeHint int) {
	w.bufferedWritePending = true

	if w.head == nil {
		seg := w.allocateSegmentLocked(sizeHint)
		w.head = seg
		w.tail = seg
		w.tailBytesBuffered = 0
		return
	}

	if len(w.tailMemory) == 0 || len(w.tailMemory) < sizeHint {
		w.commitTailLocked()
		seg := w.allocateSegmentLocked(sizeHint)
		w.tail.SetNext(seg)
		w.tail = seg
	}
}

func (w *Writer) allocateSegmentLocked(sizeHint int) *segment.Segment {
	seg := w.segments.Get()

	maxSize := w.pool.MaxBufferSize()
	if sizeHint <= maxSize {
		seg.SetOwnedMemory(w.pool.Rent(min(max(MinimumSegmentSize, sizeHint), maxSize)))
		w.metrics.SegmentAllocated("pool")
	} else {
		seg.SetOwnedMemory(memory.Shared.Rent(sizeHint))
		w.metrics.SegmentAllocated("array")
	}

	w.tailMemory = seg.AvailableMemory()
	return seg
}

func (w *Writer) returnSegmentLocked(seg *segment.Segment) {
	seg.Reset()
	w.segments.Push(seg)
	w.metrics.SegmentPool(w.segments.Len())
}

func (w *Writer) commitTailLocked() {
	if w.tailBytesBuffered > 0 {
		w.tail.SetEnd(w.tail.End() + w.tailBytesBuffered)
		w.tailBytesBuffered = 0
	}
}

// copyAndReturnSegmentsLocked writes every local segment into the inner
// writer. A tail that the producer is still filling is kept.
func (w *Writer) copyAndReturnSegmentsLocked() error {
	if w.head == nil {
		w.bytesBuffered = 0
		return nil
	}
	w.commitTailLocked()

	for seg := w.head; seg != nil; {
		if data := seg.Memory(); len(data) > 0 {
			if _, err := pipe.Write(w.inner, data); err != nil {
				return err
			}
		}
		if seg == w.tail {
			break
		}
		next := seg.Next()
		w.returnSegmentLocked(seg)
		w.head = next
		seg = next
	}

	if w.bufferedWritePending {
		w.tail.Consume()
		w.head = w.tail
	} else {
		w.returnSegmentLocked(w.tail)
		w.head = nil
		w.tail = nil
		w.tailMemory = nil
	}

	w.bytesBuffered = 0
	w.metrics.Buffered(0)
	return nil
}

func (w *Writer) cleanupSegmentsLocked() {
	for seg := w.head; seg != nil; {
		next := seg.Next()
		w.returnSegmentLocked(seg)
		seg = next
	}
	w.head = nil
	w.tail = nil
	w.tailMemory = nil
	w.tailBytesBuffered = 0
	w.bytesBuffered = 0
	w.bufferedWritePending = false
	w.metrics.Buffered(0)
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
