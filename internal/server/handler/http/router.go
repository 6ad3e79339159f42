package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianlabs/cartsync/pkg/health"
	"github.com/meridianlabs/cartsync/pkg/middleware"

	"github.com/meridianlabs/cartsync/internal/server/service"
)

// NewRouter creates a chi router with all cart sync service routes registered.
func NewRouter(
	cartService *service.CartService,
	healthHandler *health.Handler,
	logger *slog.Logger,
	rateLimitRPS, rateLimitBurst int,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("cartsync"))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Cart API endpoints
	cartHandler := NewCartHandler(cartService, logger)

	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(middleware.RateLimit(rateLimitRPS, rateLimitBurst, logger))

		// Shared snapshots and stock checks need no cart identity.
		r.Get("/share/{shareId}", cartHandler.GetShared)
		r.Post("/validate-stock", cartHandler.ValidateStock)

		r.Group(func(r chi.Router) {
			r.Use(IdentityFromHeaders)

			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/sync", cartHandler.Sync)
			r.Post("/merge", cartHandler.Merge)
			r.Post("/share", cartHandler.Share)
		})
	})

	return r
}
