package pipe

import (
	"context"
	"sync"

	"github.com/vnykmshr/flowpipe/internal/gopool"
)

// FlushResult reports how a flush ended.
type FlushResult struct {
	// IsCanceled is set when CancelPendingFlush interrupted the flush.
	IsCanceled bool

	// IsCompleted is set when the reading side is gone and no more
	// data will be consumed.
	IsCompleted bool
}

// FlushTask is the outcome of a flush that may still be running. Any
// number of goroutines may wait on the same task and they all observe the
// same result.
type FlushTask struct {
	done   chan struct{}
	result FlushResult
	err    error
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Completed returns a task that has already finished with res and err.
func Completed(res FlushResult, err error) *FlushTask {
	return &FlushTask{done: closedChan, result: res, err: err}
}

// Done is closed once the task has finished.
func (t *FlushTask) Done() <-chan struct{} {
	return t.done
}

// IsCompleted reports whether the task has finished.
func (t *FlushTask) IsCompleted() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// IsCompletedSuccessfully reports whether the task finished without error.
func (t *FlushTask) IsCompletedSuccessfully() bool {
	return t.IsCompleted() && t.err == nil
}

// Result blocks until the task finishes and returns its outcome.
func (t *FlushTask) Result() (FlushResult, error) {
	<-t.done
	return t.result, t.err
}

// Wait is Result bounded by ctx. Giving up on the wait does not cancel the
// flush itself.
func (t *FlushTask) Wait(ctx context.Context) (FlushResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

// Bind returns a task that finishes like t, or fails with ctx.Err() when
// ctx ends first. Only the wait is bound; the flush behind t keeps running.
func (t *FlushTask) Bind(ctx context.Context) *FlushTask {
	if ctx.Done() == nil || t.IsCompleted() {
		return t
	}

	src := NewTaskSource()
	gopool.Submit(func() {
		res, err := t.Wait(ctx)
		if err != nil {
			src.SetError(err)
			return
		}
		src.SetResult(res)
	})
	return src.Task()
}

// TaskSource is the completing side of a FlushTask.
type TaskSource struct {
	once sync.Once
	task *FlushTask
}

// NewTaskSource creates a source with a pending task.
func NewTaskSource() *TaskSource {
	return &TaskSource{task: &FlushTask{done: make(chan struct{})}}
}

// Task returns the task completed by this source.
func (s *TaskSource) Task() *FlushTask {
	return s.task
}

// SetResult finishes the task successfully. It returns false if the task
// was already finished.
func (s *TaskSource) SetResult(res FlushResult) bool {
	return s.complete(res, nil)
}

// SetError finishes the task with err. It returns false if the task was
// already finished.
func (s *TaskSource) SetError(err error) bool {
	return s.complete(FlushResult{}, err)
}

func (s *TaskSource) complete(res FlushResult, err error) bool {
	completed := false
	s.once.Do(func() {
		s.task.result = res
		s.task.err = err
		close(s.task.done)
		completed = true
	})
	return completed
}
