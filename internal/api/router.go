package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/podushkina/taskorchestrator/internal/logging"
	"github.com/podushkina/taskorchestrator/internal/session"
)

type RouterOptions struct {
	Logger    *slog.Logger
	RateLimit RateLimitConfig
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Requests(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/subscribe/{id}", h.Subscribe)

	r.Route("/tasks", func(r chi.Router) {
		r.With(RateLimitMiddleware(opts.RateLimit)).Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Delete("/", h.DeleteTask)
			r.Get("/steps", h.GetSteps)
			r.Get("/session", h.GetSession)
			r.Post("/pause", h.Command(session.CommandPause))
			r.Post("/resume", h.Command(session.CommandResume))
			r.Post("/cancel", h.Command(session.CommandCancel))
			r.Post("/takeover", h.Takeover)
		})
	})

	return r
}
