package rest

import (
	"net/http"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/security"
	"github.com/baechuer/psychic-connect/services/session-service/internal/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

type RouterDeps struct {
	Cache     domain.CacheRepository
	Handler   *Handler
	Health    *HealthHandler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	// optional
	WebSocket   http.Handler
	Metrics     http.Handler
	CORSOrigins []string

	RLEnabled       bool
	RLLimit         int
	RLWindow        time.Duration
	SessionRLLimit  int
	SessionRLWindow time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Cache == nil {
		panic("rest.NewRouter: nil cache")
	}
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}
	if d.Health == nil {
		d.Health = NewHealthHandler(nil)
	}
	if d.SessionRLLimit <= 0 {
		d.SessionRLLimit = 10
	}
	if d.SessionRLWindow <= 0 {
		d.SessionRLWindow = 10 * time.Second
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(tracing.Middleware(routePattern))
	r.Use(middleware.RealIP)
	r.Use(Metrics)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Idempotency-Key", "Idempotency-Key"},
			ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	if d.RLEnabled {
		r.Use(httprate.LimitByIP(d.RLLimit, d.RLWindow))
	}

	r.Get("/healthz", d.Health.Healthz)
	r.Get("/readyz", d.Health.Readyz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/plans", d.Handler.Plans)
		r.Get("/psychics", d.Handler.Psychics)
		r.Get("/psychics/{psychicID}", d.Handler.Psychic)

		// authenticates itself: browsers cannot send headers on the handshake
		if d.WebSocket != nil {
			r.Method(http.MethodGet, "/ws", d.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

			r.Get("/session-status/{psychicID}", d.Handler.SessionStatus)
			r.Get("/wallet", d.Handler.Wallet)
			r.Get("/sessions", d.Handler.MySessions)
			r.Get("/chats/{psychicID}/messages", d.Handler.UserMessages)

			r.Group(func(r chi.Router) {
				r.Use(UserRateLimit(d.Cache, d.SessionRLLimit, d.SessionRLWindow))

				r.Post("/start-free-session/{psychicID}", d.Handler.StartFree)
				r.Post("/start-paid-session/{psychicID}", d.Handler.StartPaid)
				r.Post("/stop-session/{psychicID}", d.Handler.Stop)
				r.Post("/chats/{psychicID}/messages", d.Handler.SendUserMessage)
			})

			r.Route("/psychic", func(r chi.Router) {
				r.Use(RequireRole("psychic", "admin"))
				r.Get("/sessions", d.Handler.PsychicSessions)
				r.Get("/chats/{userID}/messages", d.Handler.PsychicMessages)
				r.With(UserRateLimit(d.Cache, d.SessionRLLimit, d.SessionRLWindow)).
					Post("/chats/{userID}/messages", d.Handler.SendPsychicMessage)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole("admin"))
				r.Post("/wallets/{userID}/credits", d.Handler.GrantCredits)
				r.Post("/sessions/{sessionID}/stop", d.Handler.ForceStop)
			})
		})
	})

	return r
}
