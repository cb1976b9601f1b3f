package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// ServeMetricsCmd exposes the metrics registry over HTTP.
type ServeMetricsCmd struct {
	Listen          string        `default:":9090" help:"Listen address."`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" default:"5s" help:"Grace period for in-flight requests."`
}

func (c *ServeMetricsCmd) Run(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving metrics", quotagate.F("addr", c.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Read-only probe; nothing is consumed.
	r.Get("/decisions/{userID}", func(w http.ResponseWriter, r *http.Request) {
		d, err := a.engine.Check(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			a.logger.Warn("decision unavailable", quotagate.ErrField(err))
		}
		writeJSON(w, http.StatusOK, d)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
