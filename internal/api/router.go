package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware, outermost first.
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated: liveness probe.
		r.Get("/health", s.handleHealth)

		// Broker control-plane webhook; authenticated by shared secret
		// header rather than a bearer token.
		r.Post("/broker/events", s.handleBrokerEvent)

		// Everything under here requires a valid access token.
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/roles", s.handleListRoles)
			r.Post("/roles/claim", s.handleClaim)
			r.Post("/roles/check", s.handleCheck)
			r.Post("/roles/release", s.handleRelease)
		})
	})

	return r
}

// handleHealth reports server liveness plus the health of each registered
// infrastructure component.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type componentHealth struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	components := make(map[string]componentHealth, len(s.health))
	healthy := true
	for name, checker := range s.health {
		if err := checker.HealthCheck(r.Context()); err != nil {
			components[name] = componentHealth{Status: "unhealthy", Error: err.Error()}
			healthy = false
			continue
		}
		components[name] = componentHealth{Status: "healthy"}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
