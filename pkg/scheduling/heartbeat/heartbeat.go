package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vnykmshr/flowpipe/pkg/common/errors"
)

const module = "heartbeat"

// DefaultSchedule ticks once a second.
const DefaultSchedule = "@every 1s"

// Ticker is driven by the heartbeat.
type Ticker interface {
	Tick(now time.Time)
}

// TickerFunc adapts a function to Ticker.
type TickerFunc func(now time.Time)

// Tick calls f(now).
func (f TickerFunc) Tick(now time.Time) {
	f(now)
}

// Handle identifies one registration of a Ticker.
type Handle uint64

type registration struct {
	handle Handle
	ticker Ticker
}

// Clock provides the time passed to tickers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the configuration for a Heartbeat.
type Config struct {
	// Schedule is a cron expression with a seconds field, or a
	// descriptor such as "@every 1s".
	// Default: DefaultSchedule
	Schedule string

	// Clock supplies the tick time. Default: system time.
	Clock Clock

	// Logger receives scheduler diagnostics.
	Logger zerolog.Logger
}

// DefaultConfig returns a Config ticking once a second.
func DefaultConfig() Config {
	return Config{
		Schedule: DefaultSchedule,
		Logger:   zerolog.Nop(),
	}
}

// Heartbeat calls Tick on every registered Ticker on a cron schedule.
// A tick still running when the next is due is skipped.
type Heartbeat struct {
	mu       sync.Mutex
	tickers  []registration
	next     Handle
	cron     *cron.Cron
	clock    Clock
	logger   zerolog.Logger
	schedule string
	running  bool
	ticks    int64
}

// parser accepts an optional seconds field and descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr can drive a Heartbeat.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return errors.NewValidationError(module, "schedule", expr, err.Error()).
			WithHint("use a cron expression or a descriptor like " + DefaultSchedule)
	}
	return nil
}

// New creates a stopped Heartbeat with the default configuration.
func New() *Heartbeat {
	hb, err := NewWithConfig(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return hb
}

// NewWithConfig creates a stopped Heartbeat.
func NewWithConfig(config Config) (*Heartbeat, error) {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}
	if err := ValidateSchedule(config.Schedule); err != nil {
		return nil, err
	}

	hb := &Heartbeat{
		clock:    config.Clock,
		logger:   config.Logger,
		schedule: config.Schedule,
	}

	logger := cronLogger{l: config.Logger}
	hb.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := hb.cron.AddFunc(config.Schedule, hb.TickNow); err != nil {
		return nil, errors.NewOperationError(module, "schedule", err)
	}
	return hb, nil
}

// Register adds t to the tickers and returns the handle that removes it.
// Tickers run in registration order. Registering the same ticker twice
// ticks it twice.
func (h *Heartbeat) Register(t Ticker) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.tickers = append(h.tickers, registration{handle: h.next, ticker: t})
	return h.next
}

// Unregister removes the registration behind handle. Unknown handles are
// ignored.
func (h *Heartbeat) Unregister(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.tickers {
		if r.handle == handle {
			h.tickers = append(h.tickers[:i:i], h.tickers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered tickers.
func (h *Heartbeat) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tickers)
}

// Ticks returns how many ticks have run.
func (h *Heartbeat) Ticks() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

// Start begins ticking. Calling Start on a running heartbeat is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.cron.Start()
	h.logger.Debug().Str("schedule", h.schedule).Msg("heartbeat started")
}

// Stop stops ticking and waits for a running tick to finish or ctx to end.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	done := h.cron.Stop()
	select {
	case <-done.Done():
		h.logger.Debug().Msg("heartbeat stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TickNow ticks every registered ticker with the current clock time.
func (h *Heartbeat) TickNow() {
	now := h.clock.Now()

	h.mu.Lock()
	h.ticks++
	tickers := h.tickers
	h.mu.Unlock()

	for _, r := range tickers {
		r.ticker.Tick(now)
	}
}

// cronLogger routes cron's logging to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
