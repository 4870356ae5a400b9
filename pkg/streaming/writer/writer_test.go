package writer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/flowpipe/internal/testutil"
	"github.com/vnykmshr/flowpipe/pkg/buffers/memory"
	flowerrors "github.com/vnykmshr/flowpipe/pkg/common/errors"
	"github.com/vnykmshr/flowpipe/pkg/metrics"
	"github.com/vnykmshr/flowpipe/pkg/streaming/pipe"
)

func newTestWriter(t *testing.T, sink Sink, mutate func(*Config)) *BufferedWriter {
	t.Helper()
	config := DefaultConfig()
	config.Pool = memory.NewSlabPool(4096)
	if mutate != nil {
		mutate(&config)
	}
	w, err := NewWithConfig(sink, config)
	testutil.AssertNoError(t, err)
	return w
}

func TestNewWithConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		sink   Sink
		config Config
	}{
		{"nil sink", nil, DefaultConfig()},
		{"negative segment size", testutil.NewMockSink(), Config{MinimumSegmentSize: -1}},
		{"negative pool size", testutil.NewMockSink(), Config{MaxSegmentPoolSize: -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWithConfig(tt.sink, tt.config)
			testutil.AssertError(t, err)
			testutil.AssertEqual(t, w == nil, true)
			testutil.AssertEqual(t, flowerrors.IsValidationError(err), true)
		})
	}
}

func TestNewFillsDefaults(t *testing.T) {
	w, err := NewWithConfig(testutil.NewMockSink(), Config{})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, w.minSize, DefaultMinimumSegmentSize)
	testutil.AssertEqual(t, w.segments.Max(), 256)
	testutil.AssertNoError(t, w.Complete(nil))
}

func TestFlushWithNothingBuffered(t *testing.T) {
	sink := testutil.NewMockSink()
	w := newTestWriter(t, sink, nil)

	task := w.FlushAsync(context.Background())
	testutil.AssertEqual(t, task.IsCompletedSuccessfully(), true)

	res, err := task.Result()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res, pipe.FlushResult{IsCanceled: false, IsCompleted: false})
	testutil.AssertEqual(t, sink.WriteCount(), 0)
	testutil.AssertEqual(t, sink.FlushCount(), 0)
}

func TestTenThousandBytesAcrossSegments(t *testing.T) {
	sink := testutil.NewMockSink()
	pool := memory.NewSlabPool(4096)
	w := newTestWriter(t, sink, func(c *Config) { c.Pool = pool })

	want := testutil.Pattern(10000)
	remaining := want
	allocations := 0
	for len(remaining) > 0 {
		buf, err := w.GetMemory(4096)
		testutil.AssertNoError(t, err)
		if len(buf) == 4096 {
			allocations++
		}
		n := copy(buf, remaining)
		testutil.AssertNoError(t, w.Advance(n))
		remaining = remaining[n:]
	}
	testutil.AssertEqual(t, allocations, 3)
	testutil.AssertEqual(t, w.Stats().BytesBuffered, int64(10000))

	res, err := w.Flush(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.IsCanceled, false)

	testutil.AssertEqual(t, bytes.Equal(sink.Bytes(), want), true)
	testutil.AssertEqual(t, sink.FlushCount(), 1)

	stats := w.Stats()
	testutil.AssertEqual(t, stats.BytesBuffered, int64(0))
	testutil.AssertEqual(t, stats.BytesFlushed, int64(10000))
	testutil.AssertEqual(t, stats.FlushCount, int64(1))
	testutil.AssertEqual(t, stats.SegmentsPooled, int64(2))
	testutil.AssertEqual(t, pool.Outstanding(), int64(1))

	testutil.AssertNoError(t, w.Complete(nil))
	testutil.AssertEqual(t, pool.Outstanding(), int64(0))
	testutil.AssertEqual(t, w.Stats().SegmentsPooled, int64(3))
}

func TestKeptTailIsReused(t *testing.T) {
	sink := testutil.NewMockSink()
	pool := memory.NewSlabPool(4096)
	w := newTestWriter(t, sink, func(c *Config) { c.Pool = pool })

	_, err := pipe.Write(w, []byte("first "))
	testutil.AssertNoError(t, err)
	_, err = w.Flush(context.Background())
	testutil.AssertNoError(t, err)

	buf, err := w.GetMemory(0)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(buf), 4096-len("first "))

	n := copy(buf, "second")
	testutil.AssertNoError(t, w.Advance(n))
	_, err = w.Flush(context.Background())
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, sink.String(), "first second")
	testutil.AssertEqual(t, pool.Outstanding(), int64(1))
	testutil.AssertNoError(t, w.Complete(nil))
}

func TestOrderPreservedAcrossFlushes(t *testing.T) {
	sink := testutil.NewMockSink()
	w := newTestWriter(t, sink, func(c *Config) { c.MinimumSegmentSize = 512 })

	rng := rand.New(rand.NewSource(7))
	var want []byte
	for round := 0; round < 20; round++ {
		for i := 0; i < 1+rng.Intn(8); i++ {
			chunk := make([]byte, rng.Intn(3000))
			rng.Read(chunk)
			want = append(want, chunk...)

			_, err := pipe.Write(w, chunk)
			testutil.AssertNoError(t, err)
		}
		if rng.Intn(2) == 0 {
			_, err := w.Flush(context.Background())
			testutil.AssertNoError(t, err)
		}
	}
	_, err := w.Flush(context.Background())
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, bytes.Equal(sink.Bytes(), want), true)
	testutil.AssertNoError(t, w.Complete(nil))
}

func TestGetMemorySizing(t *testing.T) {
	pool := memory.NewSlabPool(4096)
	w := newTestWriter(t, testutil.NewMockSink(), func(c *Config) { c.Pool = pool })
	defer func() { _ = w.Complete(errors.New("done")) }()

	small, err := w.GetMemory(1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(small), 4096)
	testutil.AssertEqual(t, pool.Outstanding(), int64(1))

	big, err := w.GetMemory(10000)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(big) >= 10000, true)
	testutil.AssertEqual(t, pool.Outstanding(), int64(1))

	_, err = w.GetMemory(-1)
	testutil.AssertEqual(t, errors.Is(err, pipe.ErrNegativeSizeHint), true)
}

func TestAdvanceOutOfRange(t *testing.T) {
	w := newTestWriter(t, testutil.NewMockSink(), nil)
	defer func() { _ = w.Complete(nil) }()

	testutil.AssertEqual(t, w.Advance(1), pipe.ErrAdvanceOutOfRange)

	buf, err := w.GetMemory(16)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, w.Advance(len(buf)+1), pipe.ErrAdvanceOutOfRange)
	testutil.AssertEqual(t, w.Advance(-1), pipe.ErrAdvanceOutOfRange)
	testutil.AssertNoError(t, w.Advance(len(buf)))
}

func TestWriteAfterComplete(t *testing.T) {
	w := newTestWriter(t, testutil.NewMockSink(), nil)
	testutil.AssertNoError(t, w.Complete(nil))

	_, err := w.GetMemory(1)
	testutil.AssertEqual(t, err, pipe.ErrWriterCompleted)
	_, err = w.GetSpan(1)
	testutil.AssertEqual(t, err, pipe.ErrWriterCompleted)
	testutil.AssertEqual(t, w.Advance(0), pipe.ErrWriterCompleted)
	testutil.AssertEqual(t, w.IsCompleted(), true)
}

func TestCompleteIsIdempotent(t *testing.T) {
	tests := []struct {
		name       string
		leaveOpen  bool
		wantCloses int
	}{
		{"closes sink", false, 1},
		{"leave open", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := testutil.NewMockSink()
			w := newTestWriter(t, sink, func(c *Config) { c.LeaveOpen = tt.leaveOpen })

			testutil.AssertNoError(t, w.Complete(nil))
			testutil.AssertNoError(t, w.Complete(nil))
			testutil.AssertNoError(t, w.Complete(errors.New("late")))

			testutil.AssertEqual(t, sink.CloseCount(), tt.wantCloses)
		})
	}
}

func TestCompleteWritesRemainingData(t *testing.T) {
	sink := testutil.NewMockSink()
	pool := memory.NewSlabPool(4096)
	w := newTestWriter(t, sink, func(c *Config) { c.Pool = pool })

	_, err := pipe.Write(w, testutil.Pattern(5000))
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, w.Complete(nil))

	testutil.AssertEqual(t, bytes.Equal(sink.Bytes(), testutil.Pattern(5000)), true)
	testutil.AssertEqual(t, sink.FlushCount(), 1)
	testutil.AssertEqual(t, pool.Outstanding(), int64(0))
}

func TestCompleteWithErrorDropsData(t *testing.T) {
	sink := testutil.NewMockSink()
	pool := memory.NewSlabPool(4096)
	w := newTestWriter(t, sink, func(c *Config) { c.Pool = pool })

	_, err := pipe.Write(w, testutil.Pattern(5000))
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, w.Complete(errors.New("connection reset")))

	testutil.AssertEqual(t, sink.Len(), 0)
	testutil.AssertEqual(t, pool.Outstanding(), int64(0))
	testutil.AssertEqual(t, w.Stats().BytesBuffered, int64(0))
	testutil.AssertEqual(t, sink.CloseCount(), 1)
}

func TestCancelPendingFlush(t *testing.T) {
	sink := testutil.NewMockSink()
	sink.SetFlushGate(make(chan struct{}))
	w := newTestWriter(t, sink, nil)

	_, err := pipe.Write(w, []byte("hello "))
	testutil.AssertNoError(t, err)

	task := w.FlushAsync(context.Background())
	<-sink.FlushStarted()
	w.CancelPendingFlush()

	res, err := task.Result()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.IsCanceled, true)

	// The canceled flush must not poison the next one.
	sink.SetFlushGate(nil)
	_, err = pipe.Write(w, []byte("world"))
	testutil.AssertNoError(t, err)

	res, err = w.Flush(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.IsCanceled, false)
	testutil.AssertEqual(t, sink.String(), "hello world")
	testutil.AssertEqual(t, w.Stats().CanceledFlushes, int64(1))

	testutil.AssertNoError(t, w.Complete(nil))
}

func TestCancelBeforeFlush(t *testing.T) {
	sink := testutil.NewMockSink()
	w := newTestWriter(t, sink, nil)

	w.CancelPendingFlush()

	_, err := pipe.Write(w, []byte("payload"))
	testutil.AssertNoError(t, err)

	res, err := w.Flush(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.IsCanceled, true)
	testutil.AssertEqual(t, sink.Len(), 0)
	testutil.AssertEqual(t, w.Stats().BytesBuffered, int64(7))

	res, err = w.Flush(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.IsCanceled, false)
	testutil.AssertEqual(t, sink.String(), "payload")

	testutil.AssertNoError(t, w.Complete(nil))
}

func TestCallerContextCancellation(t *testing.T) {
	sink := testutil.NewMockSink()
	gate := make(chan struct{})
	sink.SetFlushGate(gate)
	w := newTestWriter(t, sink, nil)

	_, err := pipe.Write(w, []byte("abc"))
	testutil.AssertNoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	task := w.FlushAsync(ctx)
	<-sink.FlushStarted()
	cancel()

	_, err = task.Result()
	testutil.AssertEqual(t, errors.Is(err, context.Canceled), true)

	close(gate)
	_, err = pipe.Write(w, []byte("def"))
	testutil.AssertNoError(t, err)
	res, err := w.Flush(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.IsCanceled, false)
	testutil.AssertEqual(t, sink.String(), "abcdef")

	testutil.AssertNoError(t, w.Complete(nil))
}

func TestSinkErrors(t *testing.T) {
	boom := errors.New("broken pipe")

	tests := []struct {
		name  string
		setup func(*testutil.MockSink)
	}{
		{"write", func(s *testutil.MockSink) { s.SetWriteError(boom) }},
		{"flush", func(s *testutil.MockSink) { s.SetFlushError(boom) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := testutil.NewMockSink()
			tt.setup(sink)
			w := newTestWriter(t, sink, nil)

			_, err := pipe.Write(w, []byte("data"))
			testutil.AssertNoError(t, err)

			_, err = w.Flush(context.Background())
			testutil.AssertError(t, err)
			testutil.AssertEqual(t, errors.Is(err, boom), true)

			var opErr *flowerrors.OperationError
			testutil.AssertEqual(t, errors.As(err, &opErr), true)
			testutil.AssertEqual(t, opErr.Module, "writer")
			testutil.AssertEqual(t, w.Stats().ErrorCount, int64(1))

			_ = w.Complete(boom)
		})
	}
}

// shortSink accepts limit bytes of the first write and then fails it.
type shortSink struct {
	*testutil.MockSink
	limit int
	tried bool
}

func (s *shortSink) Write(p []byte) (int, error) {
	if !s.tried {
		s.tried = true
		n, _ := s.MockSink.Write(p[:s.limit])
		return n, errors.New("reset by peer")
	}
	return s.MockSink.Write(p)
}

func TestShortWriteFailsWriter(t *testing.T) {
	sink := &shortSink{MockSink: testutil.NewMockSink(), limit: 2}
	w := newTestWriter(t, sink, nil)

	_, err := pipe.Write(w, []byte("abcdef"))
	testutil.AssertNoError(t, err)

	_, err = w.Flush(context.Background())
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, w.Stats().BytesFlushed, int64(2))
	testutil.AssertEqual(t, w.Stats().BytesBuffered, int64(4))

	_, again := w.Flush(context.Background())
	testutil.AssertEqual(t, again, err)
	testutil.AssertEqual(t, sink.String(), "ab")
	testutil.AssertEqual(t, sink.WriteCount(), 1)
	testutil.AssertEqual(t, w.Stats().ErrorCount, int64(1))

	testutil.AssertEqual(t, w.Complete(nil), err)
	testutil.AssertEqual(t, sink.String(), "ab")
	testutil.AssertEqual(t, sink.CloseCount(), 1)
}

func TestCompleteWithErrorInterruptsFlush(t *testing.T) {
	sink := testutil.NewMockSink()
	gate := make(chan struct{})
	defer close(gate)
	sink.SetFlushGate(gate)
	w := newTestWriter(t, sink, nil)

	_, err := pipe.Write(w, []byte("data"))
	testutil.AssertNoError(t, err)
	task := w.FlushAsync(context.Background())
	<-sink.FlushStarted()

	done := make(chan error, 1)
	go func() { done <- w.Complete(errors.New("connection reset")) }()

	select {
	case err := <-done:
		testutil.AssertNoError(t, err)
	case <-time.After(testutil.TestTimeout):
		t.Fatal("Complete blocked on the in-flight flush")
	}

	res, err := task.Result()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.IsCanceled, true)
	testutil.AssertEqual(t, sink.CloseCount(), 1)
}

func TestSegmentPoolBound(t *testing.T) {
	sink := testutil.NewMockSink()
	w := newTestWriter(t, sink, func(c *Config) { c.MaxSegmentPoolSize = 2 })

	for i := 0; i < 5; i++ {
		_, err := pipe.Write(w, testutil.Pattern(4096))
		testutil.AssertNoError(t, err)
	}
	_, err := w.Flush(context.Background())
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, w.Stats().SegmentsPooled, int64(2))
	testutil.AssertEqual(t, sink.Len(), 5*4096)
	testutil.AssertNoError(t, w.Complete(nil))
	testutil.AssertEqual(t, w.Stats().SegmentsPooled, int64(2))
}

func TestWriterMetrics(t *testing.T) {
	registry := metrics.NewRegistry(prometheus.NewRegistry())
	sink := testutil.NewMockSink()
	w := newTestWriter(t, sink, func(c *Config) {
		c.Name = "conn-7"
		c.Metrics = registry
	})

	for i := 0; i < 2; i++ {
		_, err := pipe.Write(w, testutil.Pattern(3000))
		testutil.AssertNoError(t, err)
	}
	_, err := w.Flush(context.Background())
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, promtestutil.ToFloat64(registry.WriterFlushes.WithLabelValues("conn-7")), 1.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(registry.WriterBytesFlushed.WithLabelValues("conn-7")), 6000.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(registry.SegmentAllocations.WithLabelValues("conn-7", "pool")), 2.0)
	testutil.AssertNoError(t, w.Complete(nil))
}

type syncWriter struct {
	bytes.Buffer
	syncs int
}

func (s *syncWriter) Sync() error {
	s.syncs++
	return nil
}

func TestNewSinkAdapters(t *testing.T) {
	t.Run("flusher", func(t *testing.T) {
		var out bytes.Buffer
		bw := bufio.NewWriter(&out)
		sink := NewSink(bw)

		_, err := sink.Write([]byte("buffered"))
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, out.Len(), 0)

		testutil.AssertNoError(t, sink.Flush(context.Background()))
		testutil.AssertEqual(t, out.String(), "buffered")
		testutil.AssertNoError(t, sink.Close())
	})

	t.Run("syncer", func(t *testing.T) {
		sw := &syncWriter{}
		sink := NewSink(sw)

		testutil.AssertNoError(t, sink.Flush(context.Background()))
		testutil.AssertEqual(t, sw.syncs, 1)
	})

	t.Run("canceled context", func(t *testing.T) {
		sink := NewSink(&bytes.Buffer{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		testutil.AssertEqual(t, sink.Flush(ctx), context.Canceled)
	})

	t.Run("sink passthrough", func(t *testing.T) {
		mock := testutil.NewMockSink()
		testutil.AssertEqual(t, NewSink(mock), Sink(mock))
	})
}
