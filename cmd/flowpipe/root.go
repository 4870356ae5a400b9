package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/flowpipe/internal/logging"
	"github.com/vnykmshr/flowpipe/pkg/common/errors"
)

// cli carries state shared by the subcommands.
type cli struct {
	configFile string
	logLevel   string
	prettyLog  bool

	config Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	app := &cli{}

	root := &cobra.Command{
		Use:   "flowpipe [command] [flags]",
		Short: "Exercise the flowpipe buffered output pipeline",
		Long: `flowpipe writes a synthetic response through the buffered writer, the
concurrent writer and the timing flusher, optionally to a throttled sink,
and reports the flush behavior.

Examples:
  # Write 1 MiB to a sink draining at 64 KiB/s
  flowpipe run --bytes-per-second 65536

  # Print the effective configuration
  flowpipe config -c flowpipe.yaml`,
		SilenceUsage:      true,
		PersistentPreRunE: app.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVarP(&app.configFile, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&app.prettyLog, "pretty", false, "Human readable log output")

	root.AddCommand(newRunCmd(app))
	root.AddCommand(newConfigCmd(app))
	return root
}

// load reads the configuration file and applies the global flags.
func (app *cli) load(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfigFile(app.configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = app.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = app.prettyLog
	}

	app.config = cfg
	app.logger = logging.New(cfg.Log.Level, cmd.ErrOrStderr(), cfg.Log.Pretty)
	logging.InitLogger(app.logger)
	return nil
}

// explain names where a rejected configuration value came from.
func (app *cli) explain(err error) error {
	if !errors.IsValidationError(err) {
		return err
	}
	source := "defaults and flags"
	if app.configFile != "" {
		source = app.configFile + " and flags"
	}
	return fmt.Errorf("invalid configuration from %s: %w", source, err)
}

func newConfigCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.config.Validate(); err != nil {
				return app.explain(err)
			}
			out, err := marshalYAML(app.config)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func newRunCmd(app *cli) *cobra.Command {
	var (
		sinkKind       string
		sinkTarget     string
		bytesPerSecond float64
		chunks         int
		chunkSize      int
		flushEvery     int
		minRate        float64
		metricsListen  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Write a synthetic response through the writer stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.config
			flags := cmd.Flags()
			if flags.Changed("sink") {
				cfg.Sink.Kind = sinkKind
			}
			if flags.Changed("target") {
				cfg.Sink.Path = sinkTarget
				cfg.Sink.Address = sinkTarget
			}
			if flags.Changed("bytes-per-second") {
				cfg.Sink.BytesPerSecond = bytesPerSecond
			}
			if flags.Changed("chunks") {
				cfg.Load.Chunks = chunks
			}
			if flags.Changed("chunk-size") {
				cfg.Load.ChunkSize = chunkSize
			}
			if flags.Changed("flush-every") {
				cfg.Load.FlushEvery = flushEvery
			}
			if flags.Changed("min-rate") {
				cfg.Timing.MinBytesPerSecond = minRate
				cfg.Timing.Enabled = minRate > 0
			}
			if flags.Changed("metrics-listen") {
				cfg.Metrics.Listen = metricsListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := runLoad(ctx, cfg, app.logger)
			if report != nil {
				if out, merr := marshalYAML(report); merr == nil {
					fmt.Fprint(cmd.OutOrStdout(), string(out))
				}
			}
			return app.explain(err)
		},
	}

	cmd.Flags().StringVar(&sinkKind, "sink", "", "Sink kind: discard, file or tcp")
	cmd.Flags().StringVar(&sinkTarget, "target", "", "File path or host:port for the sink")
	cmd.Flags().Float64Var(&bytesPerSecond, "bytes-per-second", 0, "Throttle the sink to this bandwidth")
	cmd.Flags().IntVar(&chunks, "chunks", 0, "Number of chunks to write")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Size of each chunk in bytes")
	cmd.Flags().IntVar(&flushEvery, "flush-every", 0, "Flush after this many chunks")
	cmd.Flags().Float64Var(&minRate, "min-rate", 0, "Minimum response data rate in bytes per second, 0 disables")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")
	return cmd
}
