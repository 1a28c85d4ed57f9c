package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/jmcleod/certkeep/internal/logger"
	"github.com/jmcleod/certkeep/internal/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestLogger tags each request with an ID, taken from X-Request-ID when
// the caller sent a valid UUID, and logs its outcome.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if !uuid.Valid(reqID) {
			reqID = uuid.New()
		}
		w.Header().Set(requestIDHeader, reqID)

		l := a.logger.With(zap.String("request_id", reqID))
		ctx := logger.ToContext(r.Context(), l)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		l.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func loggerFor(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return logger.From(r.Context(), fallback)
}

// authMiddleware accepts "Authorization: Bearer <token>" where the token is
// an HS256 JWT signed with the configured secret and carrying an expiry.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.authSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
			return a.authSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken returns an HS256 token for subject valid for ttl, accepted by
// an API configured with the same secret.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// securityHeaders sets standard security response headers. The docs pages
// load Swagger UI and Redoc assets from a CDN, so they skip the CSP.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if !strings.Contains(r.URL.Path, "/docs") && !strings.Contains(r.URL.Path, "/redoc") {
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
