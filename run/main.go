package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/maseology/coupler/config"
	"github.com/maseology/coupler/couple"
	"github.com/maseology/coupler/logging"
	"github.com/maseology/coupler/monitor"
	"github.com/maseology/mmio"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("coupler failed")
		os.Exit(1)
	}
}

type flags struct {
	logLevel    string
	metricsAddr string
	progress    bool
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "coupler",
		Short:         "Couple hydrological models through shared-memory exchanges",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := logging.DefaultConfig("coupler")
			cfg.Out = cmd.ErrOrStderr()
			if f.logLevel != "" {
				lvl, ok := logging.ParseLevel(f.logLevel)
				if !ok {
					return fmt.Errorf("unknown log level %q", f.logLevel)
				}
				cfg.Level = lvl
			}
			logging.New(cfg)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn or error (default $"+logging.EnvLogLevel+" or info)")

	run := &cobra.Command{
		Use:   "run <config>",
		Short: "Run a coupled simulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoupled(cmd.Context(), args[0], f)
		},
	}
	run.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	run.Flags().BoolVar(&f.progress, "progress", false, "show a progress bar")

	check := &cobra.Command{
		Use:   "check <config>",
		Short: "Validate a configuration and its tables without loading any model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := couple.Check(cfg); err != nil {
				return err
			}
			log.Info().Str("config", args[0]).Int("models", len(cfg.Models)).Int("exchanges", len(cfg.Exchanges)).
				Int("balances", len(cfg.Balances)).Msg("configuration ok")
			return nil
		},
	}
	root.AddCommand(run, check)
	return root
}

func runCoupled(ctx context.Context, fp string, f flags) error {
	tt := mmio.NewTimer()
	defer tt.Lap("run complete")

	cfg, err := config.Load(fp)
	if err != nil {
		return err
	}
	lg := log.Logger.With().Str("config", fp).Logger()

	outdir := monitor.Prepare(cfg.Run.OutputDir, cfg.Run.PreserveLast)
	metrics := monitor.NewMetrics()
	if f.metricsAddr != "" {
		srv := &http.Server{Addr: f.metricsAddr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
		defer srv.Close()
	}

	opts := couple.Options{
		Progress:  f.progress,
		Metrics:   metrics,
		Snapshots: monitor.NewSnapshots(outdir),
		Logger:    &lg,
	}
	if cfg.Run.Diagnostics {
		opts.Sink = monitor.NewSeries(outdir)
	}
	c, err := couple.FromConfig(cfg, couple.OpenLibrary, opts)
	if err != nil {
		return err
	}
	if err := c.Initialize(); err != nil {
		return err
	}
	tt.Print("models initialized\n")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	rep, rerr := c.Run(ctx)
	ferr := c.Finalize()
	report(lg, rep)
	return errors.Join(rerr, ferr)
}

func report(lg zerolog.Logger, rep couple.Report) {
	for _, a := range rep.Advisories {
		lg.Warn().Stringer("kind", a.Kind).Int("step", a.Step).Float64("time", a.Time).Msg(a.Msg)
	}
	lg.Info().Str("summary", rep.String()).Strs("snapshots", rep.Snapshots).Msg("report")
}
