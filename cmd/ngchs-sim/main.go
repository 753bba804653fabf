// Command ngchs-sim runs a group of in-process peers over a lossy switch.
// Peers chat, drop out and come back; the run reports whether history
// sync brought every peer to the same set of messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/juanpablocruz/ngchs/internal/config"
	"github.com/juanpablocruz/ngchs/internal/logging"
)

func main() {
	cfg := config.Default()
	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd binds the flags to cfg.
func newRootCmd(cfg *config.Config) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "ngchs-sim",
		Short:        "Simulate NGC history sync between in-process peers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(cmd.Flags(), cfgPath, cfg); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Dev)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, *cfg, logger)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	f.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	f.BoolVar(&cfg.Log.Dev, "log-dev", cfg.Log.Dev, "human readable logs")
	f.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "serve prometheus /metrics on this address")
	f.StringVar(&cfg.Store.Dir, "data-dir", cfg.Store.Dir, "keep each peer's history in a fresh pebble database under this directory")

	f.IntVar(&cfg.Sim.Peers, "peers", cfg.Sim.Peers, "number of peers in the group")
	f.Uint32Var(&cfg.Sim.Group, "group", cfg.Sim.Group, "group number")
	f.DurationVar(&cfg.Sim.Duration, "duration", cfg.Sim.Duration, "run duration")
	f.DurationVar(&cfg.Sim.WriteInterval, "write-interval", cfg.Sim.WriteInterval, "mean interval between messages per peer")
	f.DurationVar(&cfg.Sim.QuiesceLast, "quiesce-last", cfg.Sim.QuiesceLast, "stop writers and churn this long before the end")
	f.DurationVar(&cfg.Sim.ChurnPeriod, "churn-period", cfg.Sim.ChurnPeriod, "mean time between a peer leaving, 0=off")
	f.DurationVar(&cfg.Sim.RejoinDelay, "rejoin-delay", cfg.Sim.RejoinDelay, "how long a leaving peer stays away")
	f.Float64Var(&cfg.Sim.Loss, "loss", cfg.Sim.Loss, "drop probability [0..1]")
	f.Float64Var(&cfg.Sim.Dup, "dup", cfg.Sim.Dup, "dup probability [0..1]")
	f.Float64Var(&cfg.Sim.Reorder, "reorder", cfg.Sim.Reorder, "reorder probability [0..1]")
	f.DurationVar(&cfg.Sim.Delay, "delay", cfg.Sim.Delay, "base one-way delay")
	f.DurationVar(&cfg.Sim.Jitter, "jitter", cfg.Sim.Jitter, "jitter (+/-)")
	f.StringVar(&cfg.Sim.OutDir, "out", cfg.Sim.OutDir, "output directory")
	f.DurationVar(&cfg.Sim.SampleEvery, "sample-every", cfg.Sim.SampleEvery, "period of the history size samples")
	f.BoolVar(&cfg.Sim.PrintEvents, "print-events", cfg.Sim.PrintEvents, "print node events to stdout")

	f.DurationVar(&cfg.History.FirstRequestMin, "first-request", cfg.History.FirstRequestMin, "minimum delay before asking a new peer for history")
	f.DurationVar(&cfg.History.NextRequestMin, "next-request", cfg.History.NextRequestMin, "minimum delay between history requests to a peer")
	f.DurationVar(&cfg.History.BetweenSyncsMin, "between-syncs", cfg.History.BetweenSyncsMin, "minimum delay between replayed messages")
	f.Int64Var(&cfg.History.Seed, "seed", cfg.History.Seed, "jitter seed, 0=random")
	return cmd
}

// loadConfig reads path into cfg, keeping flags given on the command line.
func loadConfig(fs *pflag.FlagSet, path string, cfg *config.Config) error {
	changed := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	*cfg = loaded
	for name, v := range changed {
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.Sim.OutDir, 0o755); err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	sim, err := newSimulation(cfg, reg, logger)
	if err != nil {
		return err
	}
	defer sim.close()

	runCtx, cancel := context.WithTimeout(ctx, cfg.Sim.Duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("sim.metrics_listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shut, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			return srv.Shutdown(shut)
		})
	}

	if err := sim.start(); err != nil {
		return err
	}
	sim.runAll(gctx, g)

	err = g.Wait()
	sim.stop()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return sim.report(os.Stdout)
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
