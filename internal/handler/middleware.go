package handler

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/models"
	"blog-auth-service/internal/service"
	"blog-auth-service/internal/util"
)

type ctxKey int

const (
	roleKey ctxKey = iota
	principalKey
)

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"success":false,"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
					util.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// clientIP strips the port that RemoteAddr carries when RealIP found no
// forwarding header.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientInfo attaches caller details for the audit trail.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := service.WithClient(r.Context(), service.ClientInfo{
			IP:        clientIP(r),
			UserAgent: util.SanitizeInput(r.UserAgent()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRole resolves the {role} path segment. Unknown roles are a 404.
func (rs responder) withRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, ok := models.ParseRole(chi.URLParam(r, "role"))
		if !ok {
			rs.respondWithJSON(w, http.StatusNotFound, Response{Success: false, Error: "endpoint not found"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, role)))
	})
}

func roleFrom(ctx context.Context) models.Role {
	role, _ := ctx.Value(roleKey).(models.Role)
	return role
}

func principalFrom(ctx context.Context) (service.Principal, bool) {
	p, ok := ctx.Value(principalKey).(service.Principal)
	return p, ok
}

// Authorizer is satisfied by service.AuthService.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string, role models.Role) (*service.Principal, error)
}

// RequireAuth accepts a bearer access token issued for the route role.
func RequireAuth(auth Authorizer, rs responder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, tok, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
				rs.respondWithError(w, r, apperror.ErrTokenInvalid.WithMessage("access token is required"))
				return
			}
			p, err := auth.Authorize(r.Context(), strings.TrimSpace(tok), roleFrom(r.Context()))
			if err != nil {
				rs.respondWithError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, *p)))
		})
	}
}

// RateLimiter is satisfied by the redis and memory fixed-window counters.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, window time.Duration) (count int, retryAfter int, err error)
}

// RateLimit throttles a route group per client IP. A limiter failure lets
// the request through.
func RateLimit(limiter RateLimiter, scope string, limit int, window time.Duration, rs responder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := roleFrom(r.Context()).String() + ":" + clientIP(r)
			count, retryAfter, err := limiter.Consume(r.Context(), scope, subject, window)
			if err != nil {
				rs.logger.Warn("Rate limiter unavailable", util.String("scope", scope), util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if count > limit {
				rs.respondWithError(w, r, apperror.ErrRateLimited.
					WithInt(apperror.MetaRetryAfter, retryAfter).
					WithMessage("too many requests, please try again later"))
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limit-count))
			next.ServeHTTP(w, r)
		})
	}
}
