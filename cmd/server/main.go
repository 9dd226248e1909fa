package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/chat-bridge/internal/config"
	"github.com/omochice/chat-bridge/internal/logging"
	"github.com/omochice/chat-bridge/internal/server"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string
	var wordDelay time.Duration

	cmd := &cobra.Command{
		Use:          "chatbridge-server",
		Short:        "Development backend for the chat bridge",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

			opts := []server.Option{server.WithLogger(logger), server.WithWordDelay(wordDelay)}
			if cfg.Metrics.Addr == "" {
				opts = append(opts, server.WithMetricsHandler(metricsHandler))
			}
			srv := server.New(cfg.Server.Addr, opts...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)

			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				logger.Info().Msg("shutting down")
				srv.Stop()
				return nil
			})

			if cfg.Metrics.Addr != "" {
				metricsSrv := &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           metricsHandler,
					ReadHeaderTimeout: 10 * time.Second,
				}
				g.Go(func() error {
					logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.Wrap(err, "metrics server failed")
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return metricsSrv.Shutdown(shutdownCtx)
				})
			}

			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("server stopped")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().String("addr", ":8080", "address to listen on")
	cmd.Flags().String("metrics-addr", "", "separate address for /metrics (default: main listener)")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().DurationVar(&wordDelay, "word-delay", 50*time.Millisecond, "pause between streamed words")
	cobra.CheckErr(v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")))
	cobra.CheckErr(v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr")))
	cobra.CheckErr(v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")))

	return cmd
}
