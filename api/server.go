/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Correlation id per request
  2. Logger:     Structured request logging (zerolog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Agents call from anywhere

ROUTES:
  GET  /                    health
  POST /request_access      buyer mints a token
  GET  /verify/{token}      seller settles a token
  POST /challenge           buyer disputes a settlement
  POST /sweep_expired       admin reclaims expired escrow
  POST /resolve_challenge   admin rules on a dispute
  GET  /invariants          admin invariant snapshots

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			headerAPIKey, headerIdempotencyKey, headerSellerAPIKey, headerAdminKey,
		},
	}))

	r.Get("/", h.Status)
	r.Post("/request_access", h.RequestAccess)
	r.Get("/verify/{token}", h.Verify)
	r.Post("/challenge", h.OpenChallenge)

	r.Post("/sweep_expired", h.SweepExpired)
	r.Post("/resolve_challenge", h.ResolveChallenge)
	r.Get("/invariants", h.Invariants)

	return r
}

// requestLogger logs one line per request with the correlation id.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
