package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/flowpipe/pkg/common/errors"
	"github.com/vnykmshr/flowpipe/pkg/common/validation"
	"github.com/vnykmshr/flowpipe/pkg/scheduling/heartbeat"
	"github.com/vnykmshr/flowpipe/pkg/streaming/timing"
	"github.com/vnykmshr/flowpipe/pkg/streaming/writer"
)

const module = "flowpipe"

// Config is the flowpipe configuration file.
type Config struct {
	Name    string        `yaml:"name"`
	Sink    SinkConfig    `yaml:"sink"`
	Writer  WriterConfig  `yaml:"writer"`
	Load    LoadConfig    `yaml:"load"`
	Timing  TimingConfig  `yaml:"timing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// SinkConfig selects where response bytes go.
type SinkConfig struct {
	// Kind is one of discard, file or tcp.
	Kind string `yaml:"kind"`
	// Path is the output file for the file sink.
	Path string `yaml:"path,omitempty"`
	// Address is host:port for the tcp sink.
	Address string `yaml:"address,omitempty"`
	// DialTimeout bounds connecting to Address. 0 waits for the OS
	// timeout.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// BytesPerSecond throttles flushes to simulate a slow peer. 0 disables.
	BytesPerSecond float64 `yaml:"bytes_per_second"`
	// Burst is the throttle's bucket size in bytes.
	Burst int `yaml:"burst"`
}

// WriterConfig tunes the buffered writer.
type WriterConfig struct {
	MinimumSegmentSize int  `yaml:"minimum_segment_size"`
	MaxSegmentPoolSize int  `yaml:"max_segment_pool_size"`
	LeaveOpen          bool `yaml:"leave_open"`
}

// LoadConfig describes the generated response.
type LoadConfig struct {
	Chunks     int `yaml:"chunks"`
	ChunkSize  int `yaml:"chunk_size"`
	FlushEvery int `yaml:"flush_every"`
}

// TimingConfig enables the minimum response data rate.
type TimingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MinBytesPerSecond float64       `yaml:"min_bytes_per_second"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	Heartbeat         string        `yaml:"heartbeat"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Name: "flowpipe",
		Sink: SinkConfig{
			Kind:        "discard",
			DialTimeout: 5 * time.Second,
			Burst:       16 * 1024,
		},
		Writer: WriterConfig{
			MinimumSegmentSize: writer.DefaultMinimumSegmentSize,
			MaxSegmentPoolSize: 256,
		},
		Load: LoadConfig{
			Chunks:     1024,
			ChunkSize:  1024,
			FlushEvery: 8,
		},
		Timing: TimingConfig{
			Enabled:           true,
			MinBytesPerSecond: 240,
			GracePeriod:       5 * time.Second,
			Heartbeat:         heartbeat.DefaultSchedule,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads path over the defaults. An empty path returns the
// defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	switch c.Sink.Kind {
	case "discard":
	case "file":
		if err := validation.ValidateNotEmpty(module, "sink.path", c.Sink.Path); err != nil {
			return err
		}
	case "tcp":
		if err := validation.ValidateNotEmpty(module, "sink.address", c.Sink.Address); err != nil {
			return err
		}
	default:
		return errors.NewValidationError(module, "sink.kind", c.Sink.Kind, "unknown sink").
			WithHint("use discard, file or tcp")
	}
	if err := validation.ValidateNonNegativeDuration(module, "sink.dial_timeout", c.Sink.DialTimeout); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative(module, "sink.bytes_per_second", c.Sink.BytesPerSecond); err != nil {
		return err
	}
	if c.Sink.BytesPerSecond > 0 {
		if err := validation.ValidatePositive(module, "sink.burst", c.Sink.Burst); err != nil {
			return err
		}
	}

	if err := validation.ValidatePositive(module, "writer.minimum_segment_size", c.Writer.MinimumSegmentSize); err != nil {
		return err
	}
	if err := validation.ValidatePositive(module, "writer.max_segment_pool_size", c.Writer.MaxSegmentPoolSize); err != nil {
		return err
	}

	if err := validation.ValidatePositive(module, "load.chunks", c.Load.Chunks); err != nil {
		return err
	}
	if err := validation.ValidatePositive(module, "load.chunk_size", c.Load.ChunkSize); err != nil {
		return err
	}
	if err := validation.ValidatePositive(module, "load.flush_every", c.Load.FlushEvery); err != nil {
		return err
	}

	if err := validation.ValidateNonNegativeDuration(module, "timing.grace_period", c.Timing.GracePeriod); err != nil {
		return err
	}
	if c.Timing.Enabled {
		if _, err := timing.NewMinDataRate(c.Timing.MinBytesPerSecond, c.Timing.GracePeriod); err != nil {
			return err
		}
		if err := heartbeat.ValidateSchedule(c.Timing.Heartbeat); err != nil {
			return err
		}
	}
	return nil
}

// marshalYAML renders a config or report.
func marshalYAML(v interface{}) ([]byte, error) {
	return yaml.Marshal(v)
}
