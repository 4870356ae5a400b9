package writer

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vnykmshr/flowpipe/internal/gopool"
	"github.com/vnykmshr/flowpipe/pkg/buffers/memory"
	"github.com/vnykmshr/flowpipe/pkg/buffers/segment"
	"github.com/vnykmshr/flowpipe/pkg/common/errors"
	"github.com/vnykmshr/flowpipe/pkg/common/validation"
	"github.com/vnykmshr/flowpipe/pkg/metrics"
	"github.com/vnykmshr/flowpipe/pkg/streaming/pipe"
)

const module = "writer"

// DefaultMinimumSegmentSize is the smallest segment a writer allocates.
const DefaultMinimumSegmentSize = 4096

// Config holds configuration options for BufferedWriter.
type Config struct {
	// MinimumSegmentSize is the smallest block requested for a new segment.
	// Default: 4096
	MinimumSegmentSize int

	// Pool supplies segment memory. Requests larger than its MaxBufferSize
	// go to memory.Shared instead.
	// Default: memory.Default()
	Pool memory.Pool

	// LeaveOpen keeps the sink open when the writer completes.
	LeaveOpen bool

	// MaxSegmentPoolSize caps the idle segments kept for reuse.
	// Default: 256
	MaxSegmentPoolSize int

	// Name labels the writer's metrics and log lines.
	Name string

	// Metrics receives flush and segment metrics. Nil disables them.
	Metrics *metrics.Registry

	// Logger receives debug output. The zero value logs nothing.
	Logger zerolog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MinimumSegmentSize: DefaultMinimumSegmentSize,
		Pool:               memory.Default(),
		MaxSegmentPoolSize: segment.DefaultMaxPoolSize,
		Name:               "default",
		Logger:             zerolog.Nop(),
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if err := validation.ValidatePositive(module, "minimum_segment_size", c.MinimumSegmentSize); err != nil {
		return err
	}
	if err := validation.ValidatePositive(module, "max_segment_pool_size", c.MaxSegmentPoolSize); err != nil {
		return err
	}
	return validation.ValidateNotNil(module, "pool", c.Pool)
}

// Stats holds statistics about a BufferedWriter.
type Stats struct {
	// BytesBuffered is the number of advanced bytes not yet written to the sink.
	BytesBuffered int64

	// BytesFlushed is the total number of bytes written to the sink.
	BytesFlushed int64

	// FlushCount is the number of flushes that reached the sink.
	FlushCount int64

	// CanceledFlushes is the number of flushes ended by CancelPendingFlush.
	CanceledFlushes int64

	// ErrorCount is the number of failed flushes.
	ErrorCount int64

	// SegmentsPooled is the number of idle segments held for reuse.
	SegmentsPooled int64
}

type cancelSource struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// BufferedWriter is a pipe.Writer that collects advanced bytes in pooled
// segments and writes them to a Sink on flush.
//
// A BufferedWriter has a single producer. GetMemory and Advance must not
// be called while a flush it started is still running; CancelPendingFlush
// and Stats may be called from any goroutine.
type BufferedWriter struct {
	sink      Sink
	pool      memory.Pool
	minSize   int
	leaveOpen bool
	logger    zerolog.Logger
	metrics   *metrics.WriterMetrics

	segments *segment.Stack

	head              *segment.Segment
	tail              *segment.Segment
	tailMemory        []byte
	tailBytesBuffered int

	completed atomic.Bool

	// mu guards the cancellation source, the in-flight flush and the
	// latched sink error.
	mu       sync.Mutex
	internal *cancelSource
	inflight *pipe.FlushTask
	failed   error

	bytesBuffered   atomic.Int64
	bytesFlushed    atomic.Int64
	flushCount      atomic.Int64
	canceledFlushes atomic.Int64
	errorCount      atomic.Int64
	segmentsPooled  atomic.Int64
}

var _ pipe.Writer = (*BufferedWriter)(nil)

// New creates a BufferedWriter over sink with the default configuration.
func New(sink Sink) *BufferedWriter {
	w, err := NewWithConfig(sink, DefaultConfig())
	if err != nil {
		panic(err)
	}
	return w
}

// NewWithConfig creates a BufferedWriter over sink. Zero-valued numeric
// fields and a nil Pool take their defaults.
func NewWithConfig(sink Sink, config Config) (*BufferedWriter, error) {
	if sink == nil {
		return nil, errors.NewValidationError(module, "sink", nil, "sink cannot be nil").
			WithHint("wrap an io.Writer with writer.NewSink")
	}
	if config.MinimumSegmentSize == 0 {
		config.MinimumSegmentSize = DefaultMinimumSegmentSize
	}
	if config.MaxSegmentPoolSize == 0 {
		config.MaxSegmentPoolSize = segment.DefaultMaxPoolSize
	}
	if config.Pool == nil {
		config.Pool = memory.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &BufferedWriter{
		sink:      sink,
		pool:      config.Pool,
		minSize:   config.MinimumSegmentSize,
		leaveOpen: config.LeaveOpen,
		logger:    config.Logger.With().Str("writer", config.Name).Logger(),
		metrics:   config.Metrics.ForWriter(config.Name),
		segments:  segment.NewStack(config.MaxSegmentPoolSize),
	}, nil
}

// GetMemory returns at least sizeHint writable bytes at the end of the
// buffered data. A sizeHint of 0 returns a non-empty buffer.
func (w *BufferedWriter) GetMemory(sizeHint int) ([]byte, error) {
	if w.completed.Load() {
		return nil, pipe.ErrWriterCompleted
	}
	if sizeHint < 0 {
		return nil, pipe.ErrNegativeSizeHint
	}

	w.allocateMemory(sizeHint)
	return w.tailMemory, nil
}

// GetSpan is GetMemory.
func (w *BufferedWriter) GetSpan(sizeHint int) ([]byte, error) {
	return w.GetMemory(sizeHint)
}

// Advance commits n bytes of the buffer returned by the last GetMemory.
func (w *BufferedWriter) Advance(n int) error {
	if w.completed.Load() {
		return pipe.ErrWriterCompleted
	}
	if n < 0 || n > len(w.tailMemory) {
		return pipe.ErrAdvanceOutOfRange
	}

	w.tailBytesBuffered += n
	w.bytesBuffered.Add(int64(n))
	w.tailMemory = w.tailMemory[n:]
	return nil
}

// FlushAsync writes every buffered segment to the sink in order and then
// flushes the sink. With nothing buffered it returns a finished task
// without touching the sink.
//
// When CancelPendingFlush interrupts the flush the task reports
// IsCanceled; when ctx ends first the task fails with ctx.Err(). Bytes not
// yet written stay buffered for the next flush.
//
// Any other sink error fails the writer: that flush and every later one
// return the error without touching the sink.
func (w *BufferedWriter) FlushAsync(ctx context.Context) *pipe.FlushTask {
	if err := w.failure(); err != nil {
		return pipe.Completed(pipe.FlushResult{}, err)
	}
	if w.bytesBuffered.Load() == 0 {
		return pipe.Completed(pipe.FlushResult{}, nil)
	}

	w.mu.Lock()
	if w.inflight != nil && !w.inflight.IsCompleted() {
		task := w.inflight
		w.mu.Unlock()
		return task
	}
	internal := w.cancelSourceLocked()
	src := pipe.NewTaskSource()
	w.inflight = src.Task()
	w.mu.Unlock()

	w.commitTail()

	gopool.Submit(func() {
		res, err := w.flush(ctx, internal)
		if err != nil {
			src.SetError(err)
			return
		}
		src.SetResult(res)
	})
	return src.Task()
}

// Flush runs FlushAsync and waits for the result.
func (w *BufferedWriter) Flush(ctx context.Context) (pipe.FlushResult, error) {
	return w.FlushAsync(ctx).Result()
}

// CancelPendingFlush makes the running flush, or the next one that has
// data to write, return a canceled result.
func (w *BufferedWriter) CancelPendingFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelSourceLocked().cancel()
}

// Complete finishes the writer. With a nil err buffered bytes are written
// and flushed first, after any in-flight flush; a failed writer returns its
// sink error instead. With a non-nil err the in-flight flush is canceled
// and buffered bytes are dropped. Segments are released and the sink is
// closed unless LeaveOpen is set. Later calls do nothing.
func (w *BufferedWriter) Complete(err error) error {
	if !w.completed.CompareAndSwap(false, true) {
		return nil
	}

	w.mu.Lock()
	inflight := w.inflight
	internal := w.internal
	w.internal = nil
	w.mu.Unlock()

	if err != nil && internal != nil {
		internal.cancel()
	}
	if inflight != nil {
		<-inflight.Done()
	}

	var flushErr error
	if err == nil {
		flushErr = w.failure()
	}
	if err == nil && flushErr == nil && w.bytesBuffered.Load() > 0 {
		w.commitTail()
		var written int64
		written, flushErr = w.writeSegments(context.Background())
		if flushErr == nil {
			flushErr = w.flushSink(context.Background())
		}
		w.bytesFlushed.Add(written)
	}
	w.releaseSegments()

	if internal != nil {
		internal.cancel()
	}

	if !w.leaveOpen {
		if cerr := w.sink.Close(); cerr != nil && flushErr == nil {
			flushErr = errors.NewOperationError(module, "close", pkgerrors.Wrap(cerr, "sink close"))
		}
	}
	return flushErr
}

// Stats returns a snapshot of the writer's counters.
func (w *BufferedWriter) Stats() Stats {
	return Stats{
		BytesBuffered:   w.bytesBuffered.Load(),
		BytesFlushed:    w.bytesFlushed.Load(),
		FlushCount:      w.flushCount.Load(),
		CanceledFlushes: w.canceledFlushes.Load(),
		ErrorCount:      w.errorCount.Load(),
		SegmentsPooled:  w.segmentsPooled.Load(),
	}
}

// IsCompleted reports whether Complete was called.
func (w *BufferedWriter) IsCompleted() bool {
	return w.completed.Load()
}

func (w *BufferedWriter) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *BufferedWriter) cancelSourceLocked() *cancelSource {
	if w.internal == nil {
		ctx, cancel := context.WithCancel(context.Background())
		w.internal = &cancelSource{ctx: ctx, cancel: cancel}
	}
	return w.internal
}

func (w *BufferedWriter) allocateMemory(sizeHint int) {
	if w.head == nil {
		seg := w.allocateSegment(sizeHint)
		w.head = seg
		w.tail = seg
		w.tailBytesBuffered = 0
		return
	}

	if len(w.tailMemory) == 0 || len(w.tailMemory) < sizeHint {
		w.commitTail()
		seg := w.allocateSegment(sizeHint)
		w.tail.SetNext(seg)
		w.tail = seg
	}
}

func (w *BufferedWriter) allocateSegment(sizeHint int) *segment.Segment {
	seg := w.takeSegment()

	maxSize := w.pool.MaxBufferSize()
	if sizeHint <= maxSize {
		seg.SetOwnedMemory(w.pool.Rent(min(max(w.minSize, sizeHint), maxSize)))
		w.metrics.SegmentAllocated("pool")
	} else {
		seg.SetOwnedMemory(memory.Shared.Rent(max(w.minSize, sizeHint)))
		w.metrics.SegmentAllocated("array")
	}

	w.tailMemory = seg.AvailableMemory()
	return seg
}

func (w *BufferedWriter) takeSegment() *segment.Segment {
	seg := w.segments.Get()
	w.segmentsPooled.Store(int64(w.segments.Len()))
	return seg
}

func (w *BufferedWriter) returnSegment(seg *segment.Segment) {
	seg.Reset()
	w.segments.Push(seg)
	n := w.segments.Len()
	w.segmentsPooled.Store(int64(n))
	w.metrics.SegmentPool(n)
}

func (w *BufferedWriter) commitTail() {
	if w.tailBytesBuffered > 0 {
		w.tail.SetEnd(w.tail.End() + w.tailBytesBuffered)
		w.tailBytesBuffered = 0
	}
}

func (w *BufferedWriter) flush(ctx context.Context, internal *cancelSource) (pipe.FlushResult, error) {
	start := time.Now()

	flushCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if internal.ctx.Err() != nil {
		cancel()
	}
	stop := context.AfterFunc(internal.ctx, cancel)
	defer stop()

	written, err := w.writeSegments(flushCtx)
	w.bytesFlushed.Add(written)
	if err == nil {
		err = w.flushSink(flushCtx)
	}
	if err == nil {
		w.flushCount.Add(1)
		w.metrics.Flushed(written, time.Since(start))
		return pipe.FlushResult{}, nil
	}

	if flushCtx.Err() != nil || isCancellation(err) {
		w.mu.Lock()
		if w.internal == internal {
			w.internal = nil
		}
		w.mu.Unlock()

		if internal.ctx.Err() != nil && ctx.Err() == nil {
			w.canceledFlushes.Add(1)
			w.metrics.FlushCanceled()
			w.logger.Debug().Int64("buffered", w.bytesBuffered.Load()).Msg("flush canceled")
			return pipe.FlushResult{IsCanceled: true}, nil
		}
		if ctx.Err() != nil {
			return pipe.FlushResult{}, ctx.Err()
		}
	}

	w.errorCount.Add(1)
	w.metrics.FlushFailed()

	w.mu.Lock()
	if w.failed == nil {
		w.failed = err
	}
	w.mu.Unlock()
	w.logger.Error().Err(err).Int64("buffered", w.bytesBuffered.Load()).Msg("sink failed, writer is now failed")
	return pipe.FlushResult{}, err
}

// writeSegments writes committed segments in order, releasing each one
// once written. The tail is kept when it still has room. After a short
// write the written prefix is dropped from the segment.
func (w *BufferedWriter) writeSegments(ctx context.Context) (int64, error) {
	var written int64

	for seg := w.head; seg != nil; {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		next := seg.Next()
		if data := seg.Memory(); len(data) > 0 {
			n, err := w.sink.Write(data)
			written += int64(n)
			w.bytesBuffered.Add(-int64(n))
			if err == nil && n < len(data) {
				err = io.ErrShortWrite
			}
			if err != nil {
				seg.Discard(n)
				return written, errors.NewOperationError(module, "flush", pkgerrors.Wrap(err, "sink write")).
					WithContext("segment write")
			}
		}

		if seg == w.tail && len(w.tailMemory) > 0 && !w.completed.Load() {
			seg.Consume()
			w.head = seg
			break
		}

		if seg == w.tail {
			w.tail = nil
			w.tailMemory = nil
		}
		w.returnSegment(seg)
		w.head = next
		seg = next
	}

	return written, nil
}

func (w *BufferedWriter) flushSink(ctx context.Context) error {
	if err := w.sink.Flush(ctx); err != nil {
		if isCancellation(err) {
			return err
		}
		return errors.NewOperationError(module, "flush", pkgerrors.Wrap(err, "sink flush"))
	}
	return nil
}

func (w *BufferedWriter) releaseSegments() {
	for seg := w.head; seg != nil; {
		next := seg.Next()
		w.returnSegment(seg)
		seg = next
	}
	w.head = nil
	w.tail = nil
	w.tailMemory = nil
	w.tailBytesBuffered = 0
	w.bytesBuffered.Store(0)
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
