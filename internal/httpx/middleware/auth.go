// Package middleware holds the HTTP middleware chain the REST API runs
// every request through: IP rate limiting, bearer token verification,
// per-user rate limiting, and permission authorization, in that order so
// the cheapest checks reject abusive traffic before a JWKS lookup ever
// happens.
package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"termgateway/internal/apperr"
	"termgateway/internal/authz"
	"termgateway/internal/httpx/response"
	"termgateway/internal/jwtauth"
	"termgateway/internal/logger"
	"termgateway/internal/metrics"
	"termgateway/internal/ratelimit"
	"termgateway/internal/sentryx"
)

var log = logger.WithComponent("HTTPX")

type identityKey struct{}

// IdentityFromContext returns the identity RequireAuth attached to the
// request context, if any.
func IdentityFromContext(ctx context.Context) (*jwtauth.Identity, bool) {
	ident, ok := ctx.Value(identityKey{}).(*jwtauth.Identity)
	return ident, ok
}

// RequireAuth builds middleware that enforces IP rate limiting, bearer
// token verification, per-user rate limiting, and the given permission, in
// that order.
func RequireAuth(validator *jwtauth.Validator, authorizer *authz.Authorizer, limiter *ratelimit.Limiter, perm authz.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r.RemoteAddr)
			ipAllowed := limiter.AllowIP(ip)
			writeRateLimitHeaders(w, limiter, ratelimit.DimensionIP, ip)
			if !ipAllowed {
				response.AppError(w, apperr.New(apperr.CodeRateLimit, "too many requests from this address"))
				return
			}

			token := bearerToken(r)
			ident, err := validator.Verify(r.Context(), token)
			if err != nil {
				appErr, ok := apperr.As(err)
				if !ok {
					appErr = apperr.New(apperr.CodeUnauthorized, "authentication failed")
				}
				response.AppError(w, appErr)
				return
			}

			userAllowed := limiter.AllowUser(string(ident.UserID))
			writeRateLimitHeaders(w, limiter, ratelimit.DimensionUser, string(ident.UserID))
			if !userAllowed {
				response.AppError(w, apperr.New(apperr.CodeRateLimit, "too many requests for this user"))
				return
			}

			subject := authz.Subject{UserID: ident.UserID, Groups: ident.Groups}
			if err := authorizer.Authorize(subject, perm); err != nil {
				appErr, ok := apperr.As(err)
				if !ok {
					appErr = apperr.New(apperr.CodePermissionDenied, "not authorized")
				}
				response.AppError(w, appErr)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeRateLimitHeaders reports a dimension's current bucket occupancy so
// clients can back off before they get a 429, and sets Retry-After once the
// bucket is actually empty.
func writeRateLimitHeaders(w http.ResponseWriter, limiter *ratelimit.Limiter, dim ratelimit.Dimension, subject string) {
	limit, remaining, reset := limiter.Inspect(dim, subject)
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(reset))
	if remaining == 0 {
		h.Set("Retry-After", strconv.Itoa(reset))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func clientIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}

// statusRecorder captures the status code a handler writes so instrumentation
// wrapping it can label its metric after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// WithMetrics wraps next so every request's latency is recorded against
// RequestDuration, labeled by route (the pattern it was registered under,
// not the raw path, to keep cardinality bounded) and status class.
func WithMetrics(route string, collectors *metrics.Collectors, next http.Handler) http.Handler {
	if collectors == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		statusClass := strconv.Itoa(rec.status/100) + "xx"
		collectors.RequestDuration.WithLabelValues(route, statusClass).Observe(time.Since(start).Seconds())
	})
}

// WithPanicRecovery wraps next so a handler panic is reported and converted
// to a 500 instead of crashing the server, matching the teacher's
// panic-recovery middleware.
func WithPanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				sentryx.CaptureMessage(
					sentry.LevelFatal,
					"http panic method=%s path=%s panic=%v stack=%s",
					r.Method, r.URL.Path, rec, string(debug.Stack()),
				)
				log.Error("panic recovered | method=%s path=%s panic=%v", r.Method, r.URL.Path, rec)
				response.InternalServerError(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
