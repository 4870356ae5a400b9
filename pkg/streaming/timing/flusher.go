package timing

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/flowpipe/internal/gopool"
	"github.com/vnykmshr/flowpipe/pkg/common/errors"
	"github.com/vnykmshr/flowpipe/pkg/metrics"
	"github.com/vnykmshr/flowpipe/pkg/streaming/pipe"
)

// ErrNotInitialized is returned by FlushAsync before Initialize.
var ErrNotInitialized = stderrors.New("timing: flusher has no writer")

// Option configures a Flusher.
type Option func(*Flusher)

// WithName labels the flusher in metrics.
func WithName(name string) Option {
	return func(f *Flusher) {
		f.name = name
	}
}

// WithMetrics records timeouts and aborts in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(f *Flusher) {
		f.reg = reg
	}
}

// Flusher flushes a pipe.Writer while a TimeoutControl times the wait, so
// a peer draining slower than the minimum data rate can be detected.
type Flusher struct {
	writer         pipe.Writer
	timeoutControl TimeoutControl
	logger         zerolog.Logger
	name           string
	reg            *metrics.Registry
	metrics        *metrics.WriterMetrics
}

// New creates a Flusher reporting to timeoutControl, which may be nil when
// no rate is enforced.
func New(timeoutControl TimeoutControl, logger zerolog.Logger, opts ...Option) *Flusher {
	f := &Flusher{
		timeoutControl: timeoutControl,
		logger:         logger,
		name:           "default",
	}
	for _, opt := range opts {
		opt(f)
	}
	f.metrics = f.reg.ForWriter(f.name)
	return f
}

// Initialize sets the writer to flush.
func (f *Flusher) Initialize(w pipe.Writer) {
	f.writer = w
}

// FlushAsync flushes the writer. When minRate is set, count bytes are
// charged against it before the flush and the wait is timed. A flush that
// completes immediately is returned as is; one that reports the reader gone
// notifies aborter.
//
// A canceled flush aborts the connection through aborter. Any other error
// is logged and reported as an empty result. If ctx has ended by the time
// the flush completes the task fails with ctx.Err().
//
// Every call is timed on its own. Overlapping calls share one flush when
// the writer coalesces them, as concurrent.Writer does.
func (f *Flusher) FlushAsync(ctx context.Context, minRate *MinDataRate, count int64, aborter OutputAborter) *pipe.FlushTask {
	if f.writer == nil {
		return pipe.Completed(pipe.FlushResult{}, ErrNotInitialized)
	}

	timed := minRate != nil && f.timeoutControl != nil
	if timed {
		f.timeoutControl.BytesWrittenToBuffer(minRate, count)
	}

	task := f.writer.FlushAsync(ctx)
	if task.IsCompletedSuccessfully() {
		res, _ := task.Result()
		if res.IsCompleted && aborter != nil {
			aborter.OnInputOrOutputCompleted()
		}
		return task
	}

	if timed {
		f.timeoutControl.StartTimingWrite()
	}

	src := pipe.NewTaskSource()
	gopool.Submit(func() {
		res, err := f.awaitFlush(ctx, task, timed, aborter)
		if err != nil {
			src.SetError(err)
			return
		}
		src.SetResult(res)
	})
	return src.Task()
}

func (f *Flusher) awaitFlush(ctx context.Context, task *pipe.FlushTask, timed bool, aborter OutputAborter) (pipe.FlushResult, error) {
	res, err := task.Result()
	if err != nil {
		f.handleFlushError(err, aborter)
		res = pipe.FlushResult{}
	}

	if timed {
		f.timeoutControl.StopTimingWrite()
	}

	if cerr := ctx.Err(); cerr != nil {
		return pipe.FlushResult{}, cerr
	}
	return res, nil
}

func (f *Flusher) handleFlushError(err error, aborter OutputAborter) {
	if isCancellation(err) && aborter != nil {
		aborter.Abort(fmt.Errorf("%w: %w", pipe.ErrConnectionAborted, err), ReasonWriteCanceled)
		f.metrics.Aborted(ReasonWriteCanceled.String())
		return
	}

	// Only cancellation is expected here.
	f.logger.Error().
		Err(errors.NewOperationError(module, "flush", err)).
		Str("flusher", f.name).
		Msg("unexpected flush error")
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
