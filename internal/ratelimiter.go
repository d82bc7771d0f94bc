package internal

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by client address.
type RateLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key. When the key is over its limit it returns
// false and how long until the oldest hit leaves the window.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	if now.Sub(r.lastSweep) >= r.window {
		r.sweep(windowStart)
		r.lastSweep = now
	}

	hits := r.hits[key]
	kept := hits[:0]
	for _, ts := range hits {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= r.limit {
		r.hits[key] = kept
		return false, kept[0].Sub(windowStart)
	}
	r.hits[key] = append(kept, now)
	return true, 0
}

// sweep forgets keys with no hits inside the window.
func (r *RateLimiter) sweep(windowStart time.Time) {
	for key, hits := range r.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(windowStart) {
			delete(r.hits, key)
		}
	}
}

// allowAuth applies the auth limiter to r and writes the 429 when it trips.
func (s *Server) allowAuth(w http.ResponseWriter, r *http.Request) bool {
	ok, retry := s.authLimiter.Allow(s.clientIP(r))
	if ok {
		return true
	}
	seconds := int(retry.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, errTooManyAttempts)
	return false
}
