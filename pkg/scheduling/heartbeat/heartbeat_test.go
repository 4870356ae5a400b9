package heartbeat

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/flowpipe/internal/testutil"
	"github.com/vnykmshr/flowpipe/pkg/common/errors"
)

type recordingTicker struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *recordingTicker) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, now)
}

func (r *recordingTicker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.times)
}

// syncBuffer is written from cron's goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewDefaults(t *testing.T) {
	hb := New()
	testutil.AssertEqual(t, hb.schedule, DefaultSchedule)
	testutil.AssertEqual(t, hb.Len(), 0)
	testutil.AssertEqual(t, hb.Ticks(), int64(0))
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every second", "@every 1s", false},
		{"every half second", "@every 500ms", false},
		{"with seconds field", "*/5 * * * * *", false},
		{"standard five fields", "* * * * *", false},
		{"garbage", "not a schedule", true},
		{"too many fields", "* * * * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchedule(tt.expr)
			if tt.wantErr {
				testutil.AssertError(t, err)
				if !errors.IsValidationError(err) {
					t.Errorf("expected validation error, got %T", err)
				}
				return
			}
			testutil.AssertNoError(t, err)
		})
	}
}

func TestNewWithConfigInvalid(t *testing.T) {
	_, err := NewWithConfig(Config{Schedule: "@sometimes"})
	testutil.AssertError(t, err)
}

func TestTickNowUsesClock(t *testing.T) {
	clock := testutil.NewMockClock(time.Unix(1000, 0))
	hb, err := NewWithConfig(Config{Clock: clock})
	testutil.AssertNoError(t, err)

	a, b := &recordingTicker{}, &recordingTicker{}
	hb.Register(a)
	hb.Unregister(hb.Register(a))
	handleB := hb.Register(b)
	hb.Unregister(Handle(999))
	testutil.AssertEqual(t, hb.Len(), 2)

	hb.TickNow()
	clock.Advance(time.Second)
	hb.TickNow()

	testutil.AssertEqual(t, a.count(), 2)
	testutil.AssertEqual(t, b.count(), 2)
	testutil.AssertEqual(t, a.times[1], time.Unix(1001, 0))
	testutil.AssertEqual(t, hb.Ticks(), int64(2))

	hb.Unregister(handleB)
	hb.TickNow()
	testutil.AssertEqual(t, a.count(), 3)
	testutil.AssertEqual(t, b.count(), 2)
}

func TestTickerFunc(t *testing.T) {
	tracker := testutil.NewCallbackTracker()
	hb := New()
	first := hb.Register(TickerFunc(func(now time.Time) { tracker.Mark(now) }))
	second := hb.Register(TickerFunc(func(now time.Time) { tracker.Mark(now) }))
	testutil.AssertNotEqual(t, first, second)
	testutil.AssertEqual(t, hb.Len(), 2)

	hb.TickNow()
	tracker.AssertCallCount(t, 2)

	hb.Unregister(first)
	hb.TickNow()
	tracker.AssertCallCount(t, 3)

	hb.Unregister(second)
	testutil.AssertEqual(t, hb.Len(), 0)
}

func TestStartStop(t *testing.T) {
	var out syncBuffer
	hb, err := NewWithConfig(Config{
		Schedule: "@every 100ms",
		Logger:   zerolog.New(&out).Level(zerolog.DebugLevel),
	})
	testutil.AssertNoError(t, err)

	ticker := &recordingTicker{}
	hb.Register(ticker)

	hb.Start()
	hb.Start()
	testutil.Eventually(t, func() bool { return ticker.count() >= 2 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	testutil.AssertNoError(t, hb.Stop(ctx))
	testutil.AssertNoError(t, hb.Stop(ctx))

	stopped := ticker.count()
	time.Sleep(250 * time.Millisecond)
	testutil.AssertEqual(t, ticker.count(), stopped)

	if !strings.Contains(out.String(), "heartbeat started") {
		t.Errorf("expected start to be logged, got %q", out.String())
	}
}

func TestStopWaitsForRunningTick(t *testing.T) {
	hb, err := NewWithConfig(Config{Schedule: "@every 50ms"})
	testutil.AssertNoError(t, err)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	hb.Register(TickerFunc(func(time.Time) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}))

	hb.Start()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := hb.Stop(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded while a tick runs, got %v", err)
	}

	close(release)
	select {
	case <-hb.cron.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("running tick never finished")
	}
}
