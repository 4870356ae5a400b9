package bucket

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vnykmshr/flowpipe/pkg/common/errors"
)

// Limit is a rate in bytes per second. A zero Limit allows only the
// initial tokens. Use Inf for unlimited bandwidth.
type Limit float64

// Inf is the infinite rate limit; it allows all bytes.
var Inf = Limit(math.Inf(1))

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Config holds configuration options for creating a new Bucket.
type Config struct {
	// Rate is the number of bytes added per second.
	Rate Limit

	// Burst is the maximum number of bytes that can be stored.
	Burst int

	// Clock provides the current time. If nil, SystemClock is used.
	Clock Clock

	// InitialTokens is the number of bytes to start with.
	// If negative, starts with full capacity.
	InitialTokens int
}

// Bucket is a token bucket measured in bytes. Requests larger than the
// burst are allowed to drive the balance negative; the next request waits
// for the debt to be repaid.
type Bucket struct {
	mu         sync.Mutex
	limit      Limit
	burst      int
	tokens     float64
	lastUpdate time.Time
	clock      Clock
}

// New creates a Bucket starting full. It panics on invalid parameters.
func New(rate Limit, burst int) *Bucket {
	b, err := NewWithConfig(Config{Rate: rate, Burst: burst, InitialTokens: -1})
	if err != nil {
		panic(err)
	}
	return b
}

// NewWithConfig creates a Bucket, returning an error for invalid
// parameters.
func NewWithConfig(config Config) (*Bucket, error) {
	if config.Rate < 0 {
		return nil, errors.NewValidationError("bucket", "rate", config.Rate, "rate cannot be negative").
			WithHint("use Inf for no limit or a positive bytes per second value")
	}
	if config.Burst <= 0 {
		return nil, errors.NewValidationError("bucket", "burst", config.Burst, "burst must be positive").
			WithHint("burst determines how many bytes can pass instantly")
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}

	initialTokens := float64(config.InitialTokens)
	if config.InitialTokens < 0 {
		initialTokens = float64(config.Burst)
	}

	return &Bucket{
		limit:      config.Rate,
		burst:      config.Burst,
		tokens:     initialTokens,
		lastUpdate: config.Clock.Now(),
		clock:      config.Clock,
	}, nil
}

// AllowN takes n bytes if they are available now.
func (b *Bucket) AllowN(n int) bool {
	_, ok := b.reserve(b.clock.Now(), n, 0)
	return ok
}

// ReserveN takes n bytes and returns how long the caller must wait before
// sending them. It returns false only at a zero rate without enough tokens.
func (b *Bucket) ReserveN(n int) (time.Duration, bool) {
	return b.reserve(b.clock.Now(), n, math.MaxInt64)
}

// WaitN blocks until n bytes may be sent or ctx ends. Bytes reserved for
// an abandoned wait are returned to the bucket.
func (b *Bucket) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	delay, ok := b.reserve(b.clock.Now(), n, math.MaxInt64)
	if !ok {
		return errors.ErrCapacityExceeded
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		b.refund(n)
		return ctx.Err()
	}
}

// SetLimit changes the rate, keeping the tokens accrued so far.
func (b *Bucket) SetLimit(limit Limit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.clock.Now())
	b.limit = limit
}

// Limit returns the current rate.
func (b *Bucket) Limit() Limit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// Burst returns the bucket capacity.
func (b *Bucket) Burst() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.burst
}

// Tokens returns the bytes currently available. It is negative while a
// large request is being repaid.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.clock.Now())
	return b.tokens
}

func (b *Bucket) reserve(now time.Time, n int, maxWait time.Duration) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.limit == Inf {
		return 0, true
	}

	b.advance(now)
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return 0, true
	}

	if b.limit == 0 {
		return 0, false
	}

	wait := time.Duration(float64(time.Second) * (float64(n) - b.tokens) / float64(b.limit))
	if wait > maxWait {
		return 0, false
	}
	b.tokens -= float64(n)
	return wait, true
}

func (b *Bucket) refund(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.clock.Now())
	b.tokens = math.Min(b.tokens+float64(n), float64(b.burst))
}

// advance adds the tokens accrued since the last update.
func (b *Bucket) advance(now time.Time) {
	if b.limit == Inf {
		b.tokens = float64(b.burst)
		b.lastUpdate = now
		return
	}

	elapsed := now.Sub(b.lastUpdate)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.tokens+elapsed.Seconds()*float64(b.limit), float64(b.burst))
	b.lastUpdate = now
}
