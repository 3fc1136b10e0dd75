package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/citamed/citamed-platform/internal/webhook"
	"github.com/citamed/citamed-platform/pkg/logging"
)

// RouterConfig holds the router's handlers and knobs.
type RouterConfig struct {
	Logger         *logging.Logger
	Appointments   *AppointmentsHandler
	Webhook        *webhook.Handler
	MetricsHandler http.Handler
	HealthChecks   map[string]func() error
}

// NewRouter builds the service's HTTP surface: the WhatsApp webhook, the
// doctor-facing API under /api, plus health and metrics endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(requestLogger(cfg.Logger))
	}

	r.Get("/health", healthHandler(cfg.HealthChecks))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Webhook != nil {
		cfg.Webhook.RegisterRoutes(r)
	}
	if cfg.Appointments != nil {
		r.Route("/api", func(r chi.Router) {
			cfg.Appointments.RegisterRoutes(r)
		})
	}
	return r
}

func healthHandler(checks map[string]func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = err.Error()
			}
		}
		writeJSON(w, status, body)
	}
}
