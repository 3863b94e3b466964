package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relayer-monitor/internal/auth"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/logging"
)

// LiveServer upgrades a request to a live connection for an identity.
type LiveServer interface {
	Serve(w http.ResponseWriter, r *http.Request, id auth.Identity) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Backend  Backend
	Verifier IdentityVerifier
	Live     LiveServer
}

// NewRouter mounts every route.
func NewRouter(cfg config.HTTPConfig, deps Deps, logger zerolog.Logger) http.Handler {
	logger = logging.Component(logger, "api")
	h := &handlers{backend: deps.Backend, logger: logger}

	r := chi.NewRouter()
	r.Use(Recover(logger))
	r.Use(Logger(logger))
	r.Use(Metrics())
	r.Use(CORS(cfg.FrontendOrigin))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.healthz)

	r.With(Authenticate(deps.Verifier)).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Live.Serve(w, r, identity(r)); err != nil {
			logger.Debug().Err(err).Msg("live connection rejected")
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(deps.Verifier))

			r.Get("/dashboard", h.dashboard)
			r.Get("/balances", h.balances)
			r.Get("/alerts", h.listAlerts)
			r.Post("/alerts/{id}/ack", h.acknowledge)
			r.Get("/sources", h.listSources)
			r.Get("/thresholds", h.getThresholds)
			r.Get("/decimals", h.resolveDecimals)
			r.Get("/preferences", h.getPreferences)
			r.Put("/preferences", h.setPreferences)

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)

				r.Post("/alerts/trigger", h.triggerAlert)
				r.Post("/sources", h.saveSource)
				r.Delete("/sources/{id}", h.deleteSource)
				r.Post("/collect/{id}", h.collect)
				r.Put("/thresholds", h.setThresholds)
			})
		})
	})

	return r
}

// Serve listens on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, cfg config.HTTPConfig, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	logger.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
