package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"credential-vault/internal/apperr"
	"credential-vault/internal/httpx"
	"credential-vault/internal/observability"
)

// RateLimitStore records one hit for key and reports whether it fits in the
// sliding window. retryAfter is set when the hit is rejected.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// LoginRateLimiter is a per-IP sliding window in front of the login route.
type LoginRateLimiter struct {
	store   RateLimitStore
	maxHits int
	window  time.Duration
	logger  *observability.Logger
	now     func() time.Time
}

// NewLoginRateLimiter keeps its window in process memory until WithStore
// swaps in a shared store.
func NewLoginRateLimiter(maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		store:   NewMemoryRateLimitStore(),
		maxHits: maxHits,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *LoginRateLimiter) WithStore(store RateLimitStore) *LoginRateLimiter {
	if store != nil {
		l.store = store
	}
	return l
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.store.Allow(r.Context(), ip, l.maxHits, l.window, l.now().UTC())
		if err != nil {
			// A broken limiter backend must not lock every user out.
			l.logger.Warn("login_rate_limit_unavailable", map[string]any{"error": err.Error()})
			observability.CaptureError(r.Context(), err, map[string]string{"operation": "login_rate_limit"})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
			httpx.WriteError(w, r, l.logger, "login", apperr.New(apperr.KindRateLimited, "too many login attempts"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryRateLimitStore keeps hit timestamps per key in process memory.
type MemoryRateLimitStore struct {
	mu        sync.Mutex
	hitByKey  map[string][]time.Time
	maxMemory int
}

func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		hitByKey:  make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (s *MemoryRateLimitStore) Allow(_ context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.hitByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		s.hitByKey[key] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	s.hitByKey[key] = filtered

	if len(s.hitByKey) > s.maxMemory {
		for k, value := range s.hitByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(s.hitByKey, k)
			}
		}
	}

	return true, 0, nil
}
