package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/accordsai/signdesk/pkg/apperr"
	"github.com/accordsai/signdesk/pkg/authn"
	"github.com/accordsai/signdesk/pkg/httpx"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if r.URL.Path == "/health" {
				return
			}
			log.Info("HTTP Request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("client_ip", httpx.ClientIP(r)),
				zap.String("request_id", httpx.RequestID(r)),
			)
		})
	}
}

func requireOperator(op *authn.Operator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if op == nil {
				httpx.WriteAppError(w, r, authn.ErrUnauthorized)
				return
			}
			if err := op.Authenticate(r.Header.Get("Authorization")); err != nil {
				log.Warn("operator auth failed",
					zap.String("path", r.URL.Path),
					zap.String("client_ip", httpx.ClientIP(r)),
				)
				httpx.WriteAppError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var errRateLimited = apperr.New(apperr.CodeRateLimited, "too many signing attempts, try again shortly")

// ipLimiter keeps one token bucket per client IP. Idle buckets are
// dropped on a sweep so the map does not grow without bound.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	swept   time.Time
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	return &ipLimiter{
		buckets: map[string]*bucket{},
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(httpx.ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			httpx.WriteAppError(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
