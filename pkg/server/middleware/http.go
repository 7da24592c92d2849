// Package middleware holds the http.Handler wrappers shared by the chunk
// server.
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Wrap applies middlewares so that the first one sees the request first.
// Nil entries are skipped.
func Wrap(h http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if mw := middlewares[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}

// APIKeyAuth rejects requests that do not carry key in X-API-Key or as a
// bearer token. An empty key disables the check.
func APIKeyAuth(key string) HTTPMiddleware {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestKey(r) != secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RateLimitOptions configures the shared token bucket.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	Now      func() time.Time
}

// RateLimit answers 429 once more than opts.Requests arrive within
// opts.Window. A zero option disables the limit.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	bucket := newTokenBucket(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !bucket.allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logging records one entry per request with its status and duration.
func Logging(log logrus.FieldLogger) HTTPMiddleware {
	if log == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			entry := log.WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"status":  rec.status,
				"bytes":   rec.bytes,
				"elapsed": time.Since(start).Round(time.Microsecond),
			})
			if rec.status >= 500 {
				entry.Warn("http request")
				return
			}
			entry.Debug("http request")
		})
	}
}

// Recover turns a handler panic into a 500.
func Recover(log logrus.FieldLogger) HTTPMiddleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					log.WithField("path", r.URL.Path).Errorf("http handler panic: %v", v)
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}

type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
	now      func() time.Time
}

func newTokenBucket(opts RateLimitOptions) *tokenBucket {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		capacity: float64(opts.Requests),
		tokens:   float64(opts.Requests),
		perSec:   float64(opts.Requests) / opts.Window.Seconds(),
		last:     now(),
		now:      now,
	}
}

func (t *tokenBucket) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if elapsed := now.Sub(t.last).Seconds(); elapsed > 0 {
		t.tokens = min(t.capacity, t.tokens+elapsed*t.perSec)
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
