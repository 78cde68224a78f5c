package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dispatchd/internal/httpapi"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		addr        string
		noScheduler bool
		corsOrigins string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the dispatch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				cfg.HTTP.CORS.Enabled = true
				cfg.HTTP.CORS.Origins = origins
			}
			log := stderrLogger(cfg)

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpapi.SetLogger(log.With().Str("component", "http").Logger())
			httpapi.SetBaseContext(ctx)
			httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
			httpapi.SetAdminToken(cfg.HTTP.AdminToken)
			httpapi.SetCORSOptions(cfg.HTTP.CORS.Enabled, cfg.HTTP.CORS.Origins, cfg.HTTP.CORS.Methods, cfg.HTTP.CORS.Headers)

			backend := a.backend()
			if noScheduler {
				backend.Scheduler = nil
			}
			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpapi.NewMux(backend),
				ReadHeaderTimeout: 10 * time.Second,
			}

			schedDone := make(chan struct{})
			if noScheduler {
				close(schedDone)
			} else {
				go func() {
					defer close(schedDone)
					_ = a.scheduler.Run(ctx)
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Int("max_active", cfg.Dispatch.MaxActive).
					Str("proxy_runtime", a.proxies.Runtime().Name()).Msg("dispatchd listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
				stop()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown error")
			}
			<-schedDone
			if err := a.dispatcher.Drain(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("dispatch cycle still running at exit")
			}
			log.Info().Msg("dispatchd stopped")
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config addr)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API only; cycles run on request")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", os.Getenv("DISPATCHD_CORS_ORIGINS"), "comma-separated origins allowed by CORS")
	return cmd
}
