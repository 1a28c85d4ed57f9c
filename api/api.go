// Package api exposes the key manager and signature service over HTTP.
package api

import (
	"context"
	_ "embed"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/certkeep/keymanager"
	"github.com/jmcleod/certkeep/signature"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	keys       *keymanager.Manager
	signatures *signature.Service
	logger     *zap.Logger
	metrics    *Metrics
	limiter    *passwordRateLimiter
	authSecret []byte
}

//go:embed openapi.yaml
var openapiDoc []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the request and error logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithMetrics records request and domain metrics in m.
func WithMetrics(m *Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithAuthSecret requires an HS256 bearer token signed with secret on every
// key and signature route. An empty secret leaves the routes open.
func WithAuthSecret(secret string) Option {
	return func(a *API) {
		a.authSecret = []byte(secret)
	}
}

// New creates a new API instance.
func New(keys *keymanager.Manager, signatures *signature.Service, opts ...Option) *API {
	a := &API{
		keys:       keys,
		signatures: signatures,
		limiter:    newPasswordRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(a.requestLogger)
	r.Use(a.metrics.instrument)
	r.Use(securityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDoc)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Route("/keys/{subjectID}", func(r chi.Router) {
			r.Post("/", a.GenerateKey)
			r.Post("/import", a.ImportKey)
			r.Post("/sign", a.SignCertificate)
			r.Get("/certificate", a.GetCertificate)
			r.Get("/public-key", a.GetPublicKey)
		})

		r.Post("/signatures", a.SignData)
		r.Post("/signatures/verify", a.VerifyData)
	})

	return r
}

// SweepRateLimits drops expired password-failure records every interval
// until ctx is done.
func (a *API) SweepRateLimits(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limiter.sweep()
		}
	}
}
