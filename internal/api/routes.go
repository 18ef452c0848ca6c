package api

import (
	"net/http"
	"time"

	"whisp.exchange/config"
	"whisp.exchange/internal/engine"
	"whisp.exchange/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(e *engine.Engine, cfg *config.Config) *chi.Mux {
	h := NewHandler(e, cfg)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health
	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			createLimiter := NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute)
			revealLimiter := NewRateLimiter(cfg.RateLimit.RevealPerMin, time.Minute)

			r.Route("/whisps", func(r chi.Router) {
				r.With(createLimiter.Middleware).Post("/", h.CreateWhisp)
				r.With(revealLimiter.Middleware).Get("/{id}", h.GetWhisp)
				r.With(revealLimiter.Middleware).Get("/{id}/file", h.GetWhispFile)
			})
		} else {
			r.Route("/whisps", func(r chi.Router) {
				r.Post("/", h.CreateWhisp)
				r.Get("/{id}", h.GetWhisp)
				r.Get("/{id}/file", h.GetWhispFile)
			})
		}
	})

	// Frontend
	r.Get("/", h.Index)
	r.Get("/reveal", h.RevealPage)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(web.StaticFS())))

	return r
}
