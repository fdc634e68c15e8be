// Package server composes the Master's HTTP router.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/qmaster/internal/api"
	"github.com/gaspardpetit/qmaster/internal/config"
	"github.com/gaspardpetit/qmaster/internal/ctrlsrv"
	"github.com/gaspardpetit/qmaster/internal/metrics"
	"github.com/gaspardpetit/qmaster/internal/sched"
)

// New constructs the HTTP handler for the Master. It installs a fresh
// Prometheus registry as the default gatherer so a separate metrics listener
// can serve promhttp.Handler().
func New(cfg config.MasterConfig, s *sched.Scheduler, d *ctrlsrv.Dispatcher) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)

	state := &api.StateHandler{Sched: s, Sessions: d.Sessions, Host: api.CollectHost}

	r.Get("/healthz", state.GetHealthz)
	r.Route("/api", func(ar chi.Router) {
		ar.Handle("/connect", d)
		ar.Group(func(g chi.Router) {
			g.Use(api.APIKeyMiddleware(cfg.APIKey))
			g.Get("/state", state.GetState)
			g.Get("/state/stream", state.GetStateStream)
			g.Get("/queries/{id}", state.GetQuery)
		})
	})

	if cfg.MetricsAddr == "" || cfg.MetricsAddr == cfg.Listen {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r
}
