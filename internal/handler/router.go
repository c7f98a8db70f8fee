package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
)

// HealthChecker reports per-component health; a nil error is healthy.
type HealthChecker interface {
	CheckHealth(ctx context.Context) map[string]error
}

// RouterOptions carries the HTTP surface settings.
type RouterOptions struct {
	AllowedOrigins []string
	RequireHTTPS   bool
	RequestTimeout time.Duration
	RateLimit      config.RateLimitConfig
	Limiter        RateLimiter
	ServiceName    string
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(h *AuthHandler, health HealthChecker, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireHTTPS {
		router.Use(requireHTTPS)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(opts.RequestTimeout))
	router.Use(ClientInfo)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(health, opts.ServiceName, h.responder))
	router.Get("/ready", readyHandler(health, h.responder))

	limit := func(scope string) func(http.Handler) http.Handler {
		if !opts.RateLimit.Enabled {
			return func(next http.Handler) http.Handler { return next }
		}
		return RateLimit(opts.Limiter, scope, opts.RateLimit.Requests, opts.RateLimit.Window, h.responder)
	}

	router.Route("/api/v1/{role}/auth", func(r chi.Router) {
		r.Use(h.withRole)

		r.Route("/register", func(r chi.Router) {
			r.With(limit("register")).Post("/", h.Register)
			r.Post("/verify-otp", h.VerifyRegistration)
			r.Get("/status", h.RegistrationStatus)
		})
		r.Route("/registration-otp", func(r chi.Router) {
			r.With(limit("resend")).Post("/resend", h.ResendRegistrationOTP)
			r.Get("/status", h.RegistrationOTPStatus)
		})
		r.Route("/login", func(r chi.Router) {
			r.With(limit("login")).Post("/", h.Login)
			r.Post("/verify-otp", h.VerifyLogin)
			r.Post("/logout", h.Logout)
		})
		r.Post("/refresh-token", h.RefreshToken)
		r.Route("/password", func(r chi.Router) {
			r.With(limit("password_reset")).Post("/forgot", h.ForgotPassword)
			r.Post("/reset", h.ResetPassword)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.auth, h.responder))
			r.Get("/me", h.Me)
			r.Post("/password/update", h.UpdatePassword)
			r.Post("/password/update/verify-otp", h.VerifyPasswordUpdate)
			r.Post("/email/update", h.UpdateEmail)
			r.Post("/email/update/verify-otp", h.VerifyEmailUpdate)
			r.With(limit("resend")).Post("/otp/resend", h.ResendOTP)
			r.Get("/otp/status", h.OTPStatus)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.respondWithJSON(w, http.StatusNotFound, Response{Success: false, Error: "endpoint not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.respondWithJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "method not allowed"})
	})

	return router
}

func healthHandler(health HealthChecker, serviceName string, rs responder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]string{}
		status := http.StatusOK
		if health != nil {
			for name, err := range health.CheckHealth(r.Context()) {
				if err != nil {
					components[name] = "unhealthy"
					if !rs.production {
						components[name] = err.Error()
					}
					status = http.StatusServiceUnavailable
					continue
				}
				components[name] = "healthy"
			}
		}
		overall := "healthy"
		if status != http.StatusOK {
			overall = "degraded"
		}
		rs.respondWithJSON(w, status, Response{
			Success: status == http.StatusOK,
			Data: map[string]interface{}{
				"status":     overall,
				"service":    serviceName,
				"components": components,
			},
		})
	}
}

func readyHandler(health HealthChecker, rs responder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			for _, err := range health.CheckHealth(r.Context()) {
				if err != nil {
					rs.respondWithJSON(w, http.StatusServiceUnavailable, Response{Success: false, Error: "not ready"})
					return
				}
			}
		}
		rs.respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "ready"})
	}
}
