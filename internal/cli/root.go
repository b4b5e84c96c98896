// Package cli implements the fput and fget command surfaces. The
// personality is keyed off the invoked program name, so both binaries
// share one entry point.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/fabstream/internal/logger"
	"github.com/marmos91/fabstream/internal/telemetry"
	"github.com/marmos91/fabstream/pkg/config"
	"github.com/marmos91/fabstream/pkg/engine"
	"github.com/marmos91/fabstream/pkg/metrics"
	prommetrics "github.com/marmos91/fabstream/pkg/metrics/prometheus"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var cfgFile string

// Execute dispatches on the invoked program name and runs the matching
// personality. Returns the process exit code.
func Execute() int {
	var root *cobra.Command
	switch progname := filepath.Base(os.Args[0]); progname {
	case "fput":
		root = newPutCmd()
	case "fget":
		root = newGetCmd()
	default:
		fmt.Fprintf(os.Stderr, "program personality %q is not implemented\n", progname)
		return 1
	}

	root.SilenceUsage = true
	root.SilenceErrors = true
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/fabstream/config.yaml)")
	root.AddCommand(newVersionCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		logger.Error("exiting", "error", err)
		return 1
	}
	return 0
}

// runtime is the ambient state both personalities share once set up.
type runtime struct {
	cfg           *config.Config
	ctx           context.Context
	engineMetrics metrics.EngineMetrics
	shutdown      []func()
}

// setup loads configuration and brings up logging, telemetry, profiling,
// metrics, and the signal-driven cancellation.
func setup(personality string) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}

	ctx, cancel := context.WithCancel(context.Background())
	rt.ctx = ctx

	// The signal handler's only outlet is the process-wide flag; every
	// connection loop observes it and drains. The context interrupts
	// the blocking handshake reads.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		logger.Info("caught signal, cancelling", "signal", sig)
		engine.SetCancelled()
		cancel()
	}()
	rt.shutdown = append(rt.shutdown, func() {
		signal.Stop(sigs)
		close(sigs)
		cancel()
	})

	tshutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    personality,
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	rt.shutdown = append(rt.shutdown, func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = tshutdown(sctx)
	})

	pshutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Profiling.Enabled,
		ServiceName:    personality,
		ServiceVersion: Version,
		Endpoint:       cfg.Profiling.ServerAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing profiling: %w", err)
	}
	rt.shutdown = append(rt.shutdown, func() { _ = pshutdown() })

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		rt.engineMetrics = prommetrics.NewEngineMetrics()
		srv := metrics.NewServer(cfg.Metrics.ListenAddress)
		srv.Start()
		rt.shutdown = append(rt.shutdown, func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		})
	}

	return rt, nil
}

// close tears the ambient state down in reverse order.
func (rt *runtime) close() {
	for i := len(rt.shutdown) - 1; i >= 0; i-- {
		rt.shutdown[i]()
	}
}

// entireLen resolves the total transfer length: the configured value, or
// 10000 repetitions of the test pattern.
func (rt *runtime) entireLen() int {
	if n := rt.cfg.Transfer.EntireLen.Int(); n > 0 {
		return n
	}
	return 10000 * len(engine.Pattern)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit: %s, built: %s)\n",
				filepath.Base(os.Args[0]), Version, Commit, Date)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration file created at %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.AddCommand(initCmd, schemaCmd)
	return cmd
}
