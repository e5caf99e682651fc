// Package httpapi is the JSON front end of the identification sessions, for
// browser clients.
package httpapi

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/intake"
)

// NewRouter creates the Chi router with all routes and middleware. db may be
// nil when no database is configured.
func NewRouter(ctrl *identify.Controller, db identify.Pinger, rules intake.Rules, apiKey string, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	sh := NewSessionHandler(ctrl, rules)
	hh := NewHealthHandler(ctrl, db)

	r.Get("/healthz", hh.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Get("/status", hh.Status)
		r.Get("/species/{name}", sh.Species)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sh.Create)
			r.Route("/{handle}", func(r chi.Router) {
				r.Get("/", sh.Get)
				r.Post("/image", sh.Image)
				r.Post("/reject", sh.Reject)
				r.Get("/alternatives", sh.Alternatives)
				r.Post("/confirm", sh.Confirm)
				r.Post("/select", sh.Select)
				r.Post("/decline", sh.Decline)
				r.Post("/reset", sh.Reset)
			})
		})
	})

	return r
}
