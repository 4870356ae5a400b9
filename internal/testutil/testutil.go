package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestTimeout is the default timeout for tests
const TestTimeout = 5 * time.Second

// WithTimeout creates a context with the default test timeout
func WithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), TestTimeout)
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// AssertNotEqual fails the test if got == want
func AssertNotEqual[T comparable](t *testing.T, got, notWant T) {
	t.Helper()
	if got == notWant {
		t.Fatalf("got %v, want anything else", got)
	}
}

// Eventually polls cond every tick until it returns true or waitFor elapses.
func Eventually(t *testing.T, cond func() bool, waitFor, tick time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	EventuallyWithContext(t, ctx, cond, tick)
}

// EventuallyWithContext polls cond every tick until it returns true or ctx
// is done.
func EventuallyWithContext(t *testing.T, ctx context.Context, cond func() bool, tick time.Duration) {
	t.Helper()
	if cond() {
		return
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cond() {
				return
			}
		case <-ctx.Done():
			t.Fatalf("condition not met: %v", ctx.Err())
		}
	}
}

// AssertEventually is Eventually with TestTimeout and a 10ms tick.
func AssertEventually(t *testing.T, cond func() bool) {
	t.Helper()
	Eventually(t, cond, TestTimeout, 10*time.Millisecond)
}

// CallbackTracker records invocations of a callback.
type CallbackTracker struct {
	mu    sync.Mutex
	count atomic.Int64
	value interface{}
}

// NewCallbackTracker creates an empty tracker.
func NewCallbackTracker() *CallbackTracker {
	return &CallbackTracker{}
}

// Mark records a call, keeping the first argument as the last seen value.
func (c *CallbackTracker) Mark(args ...interface{}) {
	c.count.Add(1)
	if len(args) > 0 {
		c.mu.Lock()
		c.value = args[0]
		c.mu.Unlock()
	}
}

// Called reports whether Mark was called.
func (c *CallbackTracker) Called() bool {
	return c.count.Load() > 0
}

// CallCount returns the number of Mark calls.
func (c *CallbackTracker) CallCount() int {
	return int(c.count.Load())
}

// Value returns the last value passed to Mark.
func (c *CallbackTracker) Value() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Reset clears the tracker.
func (c *CallbackTracker) Reset() {
	c.count.Store(0)
	c.mu.Lock()
	c.value = nil
	c.mu.Unlock()
}

// AssertCalled fails the test if Mark was never called.
func (c *CallbackTracker) AssertCalled(t *testing.T) {
	t.Helper()
	if !c.Called() {
		t.Fatal("expected callback to be called")
	}
}

// AssertNotCalled fails the test if Mark was called.
func (c *CallbackTracker) AssertNotCalled(t *testing.T) {
	t.Helper()
	if c.Called() {
		t.Fatalf("expected callback not to be called, got %d calls", c.CallCount())
	}
}

// AssertCallCount fails the test unless Mark was called exactly n times.
func (c *CallbackTracker) AssertCallCount(t *testing.T, n int) {
	t.Helper()
	if got := c.CallCount(); got != n {
		t.Fatalf("call count = %d, want %d", got, n)
	}
}

// LeakOptions are the goleak options shared by every package: the ants
// package starts its own default pool at init.
func LeakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*Pool).purgePeriodically"),
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*Pool).ticktock"),
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*Pool).purgeStaleWorkers"),
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*Pool).goPurge"),
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*Pool).goTicktock"),
	}
}

// VerifyTestMain runs the tests, calls release to stop background workers
// and then fails the run if any goroutine leaked.
func VerifyTestMain(m *testing.M, release func()) {
	code := m.Run()
	if release != nil {
		release()
	}
	if code == 0 {
		if err := goleak.Find(LeakOptions()...); err != nil {
			fmt.Fprintf(os.Stderr, "goleak: errors on successful test run: %v\n", err)
			code = 1
		}
	}
	os.Exit(code)
}
