package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/keyforge/internal/maintenance"
	"github.com/MacJediWizard/keyforge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newSweepCmd(opts *globalOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue licenses on the configured schedule",
		Long: `Run the expiry sweep on sweep_schedule until interrupted.

When metrics_addr is set, Prometheus metrics are served on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), opts, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func runSweep(ctx context.Context, opts *globalOptions, once bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewPrometheusMetrics(reg)
	if err != nil {
		return err
	}

	a, err := opts.newApp(ctx, m)
	if err != nil {
		return err
	}
	defer a.Close()

	collector := metrics.NewCollector(a.store, m, a.logger)
	scheduler := maintenance.NewExpiryScheduler(a.manager, collector, a.cfg.SweepSchedule, a.logger)

	if _, err := scheduler.RunNow(ctx); err != nil {
		return exitReason(err)
	}
	if once {
		return nil
	}

	var srv *http.Server
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if err := scheduler.Start(); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		a.logger.Info().Str("signal", sig.String()).Msg("shutting down sweeper")
	case <-ctx.Done():
	}

	<-scheduler.Stop().Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}
	return nil
}
