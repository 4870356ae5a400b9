package writer

import (
	"context"
	"sync"

	"github.com/vnykmshr/flowpipe/pkg/common/errors"
)

// ByteLimiter paces bytes, for example a bucket.Bucket.
type ByteLimiter interface {
	WaitN(ctx context.Context, n int) error
}

type throttledSink struct {
	Sink
	limiter ByteLimiter

	mu      sync.Mutex
	pending int
	closed  bool
}

// Throttle returns a Sink whose Flush does not complete before the bytes
// written since the last flush have cleared limiter. It models a peer
// draining at a fixed bandwidth. After Close, Write, Flush and Close
// return errors.ErrClosed.
func Throttle(s Sink, limiter ByteLimiter) Sink {
	return &throttledSink{Sink: s, limiter: limiter}
}

func (s *throttledSink) Write(p []byte) (int, error) {
	if s.isClosed() {
		return 0, errors.ErrClosed
	}
	n, err := s.Sink.Write(p)
	s.mu.Lock()
	s.pending += n
	s.mu.Unlock()
	return n, err
}

func (s *throttledSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrClosed
	}
	n := s.pending
	s.pending = 0
	s.mu.Unlock()

	if err := s.limiter.WaitN(ctx, n); err != nil {
		s.mu.Lock()
		s.pending += n
		s.mu.Unlock()
		return err
	}
	return s.Sink.Flush(ctx)
}

func (s *throttledSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrClosed
	}
	s.closed = true
	s.pending = 0
	s.mu.Unlock()
	return s.Sink.Close()
}

func (s *throttledSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
