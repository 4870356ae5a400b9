package pipe

import (
	"context"
	"errors"
)

var (
	// ErrWriterCompleted is returned when writing after Complete.
	ErrWriterCompleted = errors.New("pipe: writing is not allowed after the writer was completed")

	// ErrAdvanceOutOfRange is returned when Advance exceeds the memory
	// handed out by the last GetMemory.
	ErrAdvanceOutOfRange = errors.New("pipe: advance past the end of the granted buffer")

	// ErrNegativeSizeHint is returned by GetMemory for a negative size hint.
	ErrNegativeSizeHint = errors.New("pipe: negative size hint")

	// ErrConnectionAborted is reported to the output aborter when a
	// timed write was canceled.
	ErrConnectionAborted = errors.New("pipe: connection aborted because a write was canceled")
)

// Writer is the write half of a response pipe. Producers ask for memory,
// fill it, commit what they wrote and flush.
//
// A Writer is used by one producer at a time. Implementations differ in
// whether GetMemory and Advance may run while a flush is outstanding.
type Writer interface {
	// GetMemory returns at least sizeHint writable bytes. A sizeHint of 0
	// returns a non-empty buffer of the writer's choosing.
	GetMemory(sizeHint int) ([]byte, error)

	// GetSpan is GetMemory for callers that fill the buffer in place and
	// never retain it.
	GetSpan(sizeHint int) ([]byte, error)

	// Advance commits n bytes of the buffer last returned by GetMemory.
	Advance(n int) error

	// FlushAsync writes committed bytes to the underlying sink.
	FlushAsync(ctx context.Context) *FlushTask

	// CancelPendingFlush makes the current or next flush return a
	// canceled result without failing the writer.
	CancelPendingFlush()

	// Complete marks the writer as finished. err, if any, is the reason.
	Complete(err error) error
}

// Flush runs FlushAsync and waits for it.
func Flush(ctx context.Context, w Writer) (FlushResult, error) {
	return w.FlushAsync(ctx).Result()
}

// Write copies p into w through GetMemory and Advance. It does not flush.
func Write(w Writer, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		buf, err := w.GetMemory(len(p))
		if err != nil {
			return written, err
		}
		n := copy(buf, p)
		if err := w.Advance(n); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}
