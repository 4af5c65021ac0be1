package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okian/passport-registry/internal/domain/ingest"
	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/okian/passport-registry/pkg/metrics"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// MetricsMiddleware records request counts and latency labelled with the
// matched route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		status := strconv.Itoa(wrapped.statusCode)
		metrics.RecordHTTPRequest(endpoint, r.Method, status)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, status, float64(time.Since(start).Milliseconds()))
		if wrapped.statusCode >= http.StatusInternalServerError {
			metrics.RecordErrorByComponent("http", "server_error")
		}
	})
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

type ctxKey int

const accountKey ctxKey = 0

func accountFrom(ctx context.Context) (model.Account, bool) {
	a, ok := ctx.Value(accountKey).(model.Account)
	return a, ok
}

// apiKeyFromRequest accepts "Authorization: Token <key>", "Authorization:
// Bearer <key>" and "X-API-Key: <key>".
func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	scheme, key, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "token", "bearer":
		return strings.TrimSpace(key)
	}
	return ""
}

// requireAPIKey resolves the caller's account or answers 401.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := apiKeyFromRequest(r)
		if raw == "" {
			s.fail(w, r, NewKind("authenticate", ingest.ErrUnauthorized))
			return
		}
		account, err := s.deps.ResolveAPIKey(r.Context(), raw)
		if err != nil {
			s.fail(w, r, WrapKind("authenticate", ingest.ErrUnauthorized, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, account)))
	})
}

// rateLimit throttles per account, so every key of an account shares one
// bucket. It must run after requireAPIKey.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := s.limiter.get(strconv.FormatInt(mustAccount(r).ID, 10))
		if !l.Allow() {
			metrics.RecordRateLimited()
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
			s.fail(w, r, NewKind("rate limit", ErrRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keyLimiter hands out one token bucket per account. Buckets of idle
// accounts expire.
type keyLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets *gocache.Cache
}

func newKeyLimiter(rps float64, burst int) *keyLimiter {
	return &keyLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: gocache.New(limiterIdleTTL, limiterIdleTTL),
	}
}

func (k *keyLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if v, ok := k.buckets.Get(key); ok {
		l := v.(*rate.Limiter)
		k.buckets.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(k.rps, k.burst)
	k.buckets.SetDefault(key, l)
	return l
}

// logRequests logs failed requests at the level their status deserves.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := []logger.Field{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", wrapped.statusCode),
			logger.Duration("took", time.Since(start)),
		}
		switch {
		case wrapped.statusCode >= http.StatusInternalServerError:
			s.log.Error(r.Context(), "request failed", fields...)
		case wrapped.statusCode >= http.StatusBadRequest:
			s.log.Debug(r.Context(), "request rejected", fields...)
		}
	})
}
