// Package server exposes a job's observable surface over HTTP: lifecycle
// state, the job log, checkpoint history and Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarungka/flo/engine"
	"github.com/tarungka/flo/internal/logger"
)

// Router builds the full route tree for one engine.
func Router(e *engine.Engine) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.Recoverer)
	router.Use(middleware.Heartbeat("/health"))
	router.Use(middleware.CleanPath)
	router.Use(middleware.RequestID)

	router.Mount("/job", JobRouter(e))
	router.Handle("/metrics", promhttp.Handler())

	return router
}

// Run serves until ctx is cancelled. The listen port comes from the
// "port" config key.
func Run(ctx context.Context, config *koanf.Koanf, e *engine.Engine) error {
	log := logger.GetLogger("server")
	serverPort := config.String("port")
	log.Info().Msgf("running the web server on port: %s", serverPort)

	srv := &http.Server{
		Addr:    ":" + serverPort,
		Handler: Router(e),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
