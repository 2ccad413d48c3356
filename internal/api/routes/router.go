package routes

import (
	"net/http"

	"github.com/meridianhealth/procedure-advisor/internal/api/handlers"
	"github.com/meridianhealth/procedure-advisor/internal/api/middleware"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	recommendationHandler *handlers.RecommendationHandler
}

// NewRouter creates a new router
func NewRouter(recommendationHandler *handlers.RecommendationHandler) *Router {
	return &Router{
		mux: http.NewServeMux(),

		recommendationHandler: recommendationHandler,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	// Health check endpoint
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Recommendation endpoint
	r.mux.HandleFunc("POST /api/recommend", r.recommendationHandler.Recommend)

	// Apply middleware in reverse order (last middleware wraps first)
	// CORS must be outermost so preflight responses also get CORS headers.
	var handler http.Handler = r.mux
	handler = middleware.ObservabilityMiddleware(handler)
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.CORSMiddleware(handler)

	return handler
}
