package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// defaultCORSOrigins is used when the config lists none.
var defaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware. chi's request logger is omitted: it logs raw URLs and the
	// service logs through the redacting logger instead.
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(corsOrigins) == 0 {
		corsOrigins = defaultCORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", TenantHeader, ActorHeader, "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health checks (no tenant required)
	r.Get("/health", h.health.HandleHealth)
	r.Get("/health/live", h.health.HandleLiveness)
	r.Get("/health/ready", h.health.HandleReadiness)

	// Provider callbacks authenticate by signature
	if h.webhook != nil {
		r.Method(http.MethodPost, "/webhooks/resend", h.webhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireTenant)

		r.Route("/emails", func(r chi.Router) {
			r.Post("/", h.SubmitEmail)
			r.Get("/", h.ListEmails)
			r.Get("/{id}", h.GetEmail)
		})

		r.Route("/broadcasts", func(r chi.Router) {
			r.Post("/", h.CreateBroadcast)
			r.Get("/{id}", h.GetBroadcast)
			r.Get("/{id}/status", h.BroadcastStatus)
			r.Post("/{id}/recipients", h.AddRecipients)
			r.Post("/{id}/start", h.StartBroadcast)
			r.Post("/{id}/cancel", h.CancelBroadcast)
		})
	})

	return r
}
