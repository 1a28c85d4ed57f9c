package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/certkeep/api"
	"github.com/jmcleod/certkeep/pki"
)

const rateLimitSweepInterval = 5 * time.Minute

func newServerCmd(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the certificate authority API over HTTPS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := a.services(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			handler, err := a.serverHandler(ctx, svc)
			if err != nil {
				return err
			}
			tlsConfig, err := a.serverTLS()
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           handler,
				TLSConfig:         tlsConfig,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			done := make(chan error, 1)
			go func() {
				if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
					done <- fmt.Errorf("server failed: %w", err)
					return
				}
				done <- nil
			}()

			if !quiet {
				printBanner(cmd.OutOrStdout())
			}
			a.log.Info("listening",
				zap.String("addr", a.cfg.Server.Addr),
				zap.String("storage", a.cfg.Storage.Driver),
				zap.Bool("auth", a.cfg.Server.AuthSecret != ""),
			)

			select {
			case <-ctx.Done():
				a.log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				return nil
			case err := <-done:
				return err
			}
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the banner")
	return cmd
}

// serverHandler builds the top-level router: health, metrics and the API
// under /api/v1. The rate-limit sweeper runs until ctx is done.
func (a *app) serverHandler(ctx context.Context, svc *services) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := api.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	opts := []api.Option{api.WithLogger(a.log), api.WithMetrics(metrics)}
	if a.cfg.Server.AuthSecret != "" {
		opts = append(opts, api.WithAuthSecret(a.cfg.Server.AuthSecret))
	}
	apiHandler := api.New(svc.keys, svc.signatures, opts...)
	go apiHandler.SweepRateLimits(ctx, rateLimitSweepInterval)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/api/v1", apiHandler.Router())
	return r, nil
}

func (a *app) serverTLS() (*tls.Config, error) {
	var cert tls.Certificate
	if a.cfg.Server.TLSCert != "" {
		c, err := tls.LoadX509KeyPair(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = c
	} else {
		c, err := pki.SelfSignedServerCertificate(nil, 30)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		cert = c
		a.log.Warn("no TLS certificate configured, using a self-signed runtime certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
