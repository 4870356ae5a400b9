package timing

import (
	"sync"
	"time"

	"github.com/vnykmshr/flowpipe/pkg/metrics"
)

// RateControl is a TimeoutControl that enforces a minimum response data
// rate. It is driven by Tick, normally from a heartbeat.
type RateControl struct {
	mu      sync.Mutex
	handler TimeoutHandler
	metrics *metrics.WriterMetrics

	lastTimestamp    time.Time
	writeTimeout     time.Time
	concurrentWrites int
	timedOut         bool
}

var _ TimeoutControl = (*RateControl)(nil)

// NewRateControl creates a RateControl that reports to handler. The
// clock supplies the starting timestamp; nil selects SystemClock.
func NewRateControl(handler TimeoutHandler, clock Clock) *RateControl {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RateControl{
		handler:       handler,
		lastTimestamp: clock.Now(),
	}
}

// WithMetrics records write timeouts under name.
func (c *RateControl) WithMetrics(reg *metrics.Registry, name string) *RateControl {
	c.metrics = reg.ForWriter(name)
	return c
}

// Initialize resets the last seen timestamp to now.
func (c *RateControl) Initialize(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTimestamp = now
}

// BytesWrittenToBuffer moves the write deadline out far enough for count
// bytes at minRate. A single write always gets at least the grace period
// from now; consecutive writes accumulate their time without it.
func (c *RateControl) BytesWrittenToBuffer(minRate *MinDataRate, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Tick may be due right after this call.
	upperBound := c.lastTimestamp.Add(HeartbeatInterval)
	toWrite := minRate.timeToWrite(count)

	single := upperBound.Add(max(minRate.GracePeriod, toWrite))
	accumulated := c.writeTimeout.Add(toWrite)

	if single.After(accumulated) {
		c.writeTimeout = single
	} else {
		c.writeTimeout = accumulated
	}
}

// StartTimingWrite counts a flush being waited on.
func (c *RateControl) StartTimingWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.concurrentWrites++
}

// StopTimingWrite ends a StartTimingWrite.
func (c *RateControl) StopTimingWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.concurrentWrites > 0 {
		c.concurrentWrites--
	}
}

// Tick checks the write deadline at now. While a timed write is pending
// past the deadline every tick reports TimeoutWriteDataRate.
func (c *RateControl) Tick(now time.Time) {
	c.mu.Lock()
	fire := c.concurrentWrites > 0 && now.After(c.writeTimeout)
	if fire {
		c.timedOut = true
	}
	c.lastTimestamp = now
	handler := c.handler
	c.mu.Unlock()

	if fire {
		c.metrics.WriteTimedOut()
		if handler != nil {
			handler.OnTimeout(TimeoutWriteDataRate)
		}
	}
}

// TimedOut reports whether a write timeout has fired.
func (c *RateControl) TimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut
}

// WriteDeadline returns the current write deadline.
func (c *RateControl) WriteDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeTimeout
}

// PendingWrites returns the number of timed writes in progress.
func (c *RateControl) PendingWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrentWrites
}
