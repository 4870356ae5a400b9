package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vnykmshr/flowpipe/pkg/buffers/memory"
	"github.com/vnykmshr/flowpipe/pkg/common/errors"
	"github.com/vnykmshr/flowpipe/pkg/metrics"
	"github.com/vnykmshr/flowpipe/pkg/ratelimit/bucket"
	"github.com/vnykmshr/flowpipe/pkg/scheduling/heartbeat"
	"github.com/vnykmshr/flowpipe/pkg/streaming/concurrent"
	"github.com/vnykmshr/flowpipe/pkg/streaming/pipe"
	"github.com/vnykmshr/flowpipe/pkg/streaming/timing"
	"github.com/vnykmshr/flowpipe/pkg/streaming/writer"
)

// Report summarizes a run.
type Report struct {
	Chunks      int           `yaml:"chunks"`
	Bytes       int64         `yaml:"bytes"`
	Duration    time.Duration `yaml:"duration"`
	Flushes     int64         `yaml:"flushes"`
	Coalesced   int64         `yaml:"coalesced_flushes"`
	ModeSwitch  int64         `yaml:"mode_switches"`
	Aborted     bool          `yaml:"aborted"`
	AbortReason string        `yaml:"abort_reason,omitempty"`
	TimedOut    bool          `yaml:"timed_out"`
}

// connection ties the writers of one simulated response together and
// tears them down on abort.
type connection struct {
	mu      sync.Mutex
	cw      *concurrent.Writer
	cancel  context.CancelFunc
	logger  zerolog.Logger
	aborted bool
	reason  timing.EndReason
	drained bool
}

var _ timing.OutputAborter = (*connection)(nil)

func (c *connection) OnInputOrOutputCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
}

func (c *connection) Abort(err error, reason timing.EndReason) {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	c.reason = reason
	c.mu.Unlock()

	c.logger.Warn().Err(err).Str("reason", reason.String()).Msg("connection aborted")
	c.cw.Abort()
	c.cancel()
}

func (c *connection) state() (aborted bool, reason timing.EndReason, drained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted, c.reason, c.drained
}

// openSink builds the sink described by cfg.
func openSink(cfg SinkConfig) (writer.Sink, error) {
	var sink writer.Sink
	switch cfg.Kind {
	case "file":
		f, err := os.Create(cfg.Path)
		if err != nil {
			return nil, errors.NewOperationError(module, "open sink", err).WithContext(cfg.Path)
		}
		sink = writer.NewSink(f)
	case "tcp":
		conn, err := net.DialTimeout("tcp", cfg.Address, cfg.DialTimeout)
		if err != nil {
			return nil, errors.NewOperationError(module, "open sink", err).WithContext(cfg.Address)
		}
		sink = writer.NewSink(conn)
	default:
		sink = writer.NewSink(discard{})
	}

	if cfg.BytesPerSecond > 0 {
		b, err := bucket.NewWithConfig(bucket.Config{
			Rate:          bucket.Limit(cfg.BytesPerSecond),
			Burst:         cfg.Burst,
			InitialTokens: -1,
		})
		if err != nil {
			return nil, err
		}
		sink = writer.Throttle(sink, b)
	}
	return sink, nil
}

// discard is io.Discard with a Close method.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

// serveMetrics exposes reg on listen until the returned stop is called.
func serveMetrics(listen string, reg *prometheus.Registry, logger zerolog.Logger) func(context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("listen", listen).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("listen", listen).Msg("serving metrics")

	return func(ctx context.Context) {
		_ = srv.Shutdown(ctx)
	}
}

// runLoad writes cfg.Load.Chunks chunks through the writer stack and
// flushes every cfg.Load.FlushEvery chunks. Writes continue while a flush
// is in flight; each new flush waits for the previous one.
func runLoad(ctx context.Context, cfg Config, logger zerolog.Logger) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)
	if cfg.Metrics.Listen != "" {
		stop := serveMetrics(cfg.Metrics.Listen, promReg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stop(shutdownCtx)
		}()
	}

	sink, err := openSink(cfg.Sink)
	if err != nil {
		return nil, err
	}

	wcfg := writer.DefaultConfig()
	wcfg.MinimumSegmentSize = cfg.Writer.MinimumSegmentSize
	wcfg.MaxSegmentPoolSize = cfg.Writer.MaxSegmentPoolSize
	wcfg.LeaveOpen = cfg.Writer.LeaveOpen
	wcfg.Name = cfg.Name
	wcfg.Metrics = reg
	wcfg.Logger = logger
	bw, err := writer.NewWithConfig(sink, wcfg)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	cw := concurrent.New(bw, memory.Default(), nil,
		concurrent.WithName(cfg.Name),
		concurrent.WithMetrics(reg),
		concurrent.WithLogger(logger),
		concurrent.WithMaxSegmentPoolSize(cfg.Writer.MaxSegmentPoolSize),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := &connection{cw: cw, cancel: cancel, logger: logger}

	var (
		minRate *timing.MinDataRate
		control *timing.RateControl
	)
	if cfg.Timing.Enabled {
		minRate, err = timing.NewMinDataRate(cfg.Timing.MinBytesPerSecond, cfg.Timing.GracePeriod)
		if err != nil {
			_ = cw.Complete(err)
			return nil, err
		}

		control = timing.NewRateControl(timing.TimeoutHandlerFunc(func(timing.TimeoutReason) {
			conn.Abort(errors.ErrTimeout, timing.ReasonMinResponseDataRate)
		}), nil).WithMetrics(reg, cfg.Name)

		hb, err := heartbeat.NewWithConfig(heartbeat.Config{Schedule: cfg.Timing.Heartbeat, Logger: logger})
		if err != nil {
			_ = cw.Complete(err)
			return nil, err
		}
		hb.Register(control)
		hb.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = hb.Stop(stopCtx)
		}()
	}

	var timeoutControl timing.TimeoutControl
	if control != nil {
		timeoutControl = control
	}
	flusher := timing.New(timeoutControl, logger, timing.WithName(cfg.Name), timing.WithMetrics(reg))
	flusher.Initialize(cw)

	report := &Report{}
	start := time.Now()
	chunk := make([]byte, cfg.Load.ChunkSize)
	for i := range chunk {
		chunk[i] = byte('a' + i%26)
	}

	var (
		pending   *pipe.FlushTask
		unflushed int64
		runErr    error
	)
	for i := 0; i < cfg.Load.Chunks && ctx.Err() == nil; i++ {
		if _, err := pipe.Write(cw, chunk); err != nil {
			runErr = err
			break
		}
		report.Chunks++
		report.Bytes += int64(len(chunk))
		unflushed += int64(len(chunk))

		if (i+1)%cfg.Load.FlushEvery != 0 {
			continue
		}
		if pending != nil {
			if _, err := pending.Result(); err != nil {
				runErr = err
				break
			}
		}
		pending = flusher.FlushAsync(ctx, minRate, unflushed, conn)
		unflushed = 0
	}

	if runErr == nil && ctx.Err() == nil {
		if pending != nil {
			_, runErr = pending.Result()
		}
		if runErr == nil && unflushed > 0 {
			_, runErr = flusher.FlushAsync(ctx, minRate, unflushed, conn).Result()
		}
	}

	aborted, reason, drained := conn.state()
	if aborted {
		report.AbortReason = reason.String()
		// Complete after an abort releases the segments and closes the sink.
		_ = cw.Complete(errors.ErrAborted)
	} else if err := cw.Complete(nil); err != nil && runErr == nil {
		runErr = err
	}

	stats := cw.Stats()
	report.Duration = time.Since(start)
	report.Flushes = stats.InnerFlushes
	report.Coalesced = stats.CoalescedFlushes
	report.ModeSwitch = stats.ModeSwitches
	report.Aborted = aborted
	report.TimedOut = control != nil && control.TimedOut()

	logger.Info().
		Int("chunks", report.Chunks).
		Int64("bytes", report.Bytes).
		Dur("duration", report.Duration).
		Bool("aborted", aborted).
		Bool("drained", drained).
		Msg("run finished")

	if aborted && stderrors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return report, runErr
}
