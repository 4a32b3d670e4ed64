// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const (
	defaultMaxVisitors = 10000
	visitorStaleAfter  = 10 * time.Minute
	visitorSweepEvery  = 5 * time.Minute
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxVisitors caps the number of IPs tracked. The least recently seen are
	// evicted on cleanup. Zero uses 10000.
	MaxVisitors int
}

// Validate checks c and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return nderr.Errorf(nderr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return nderr.Errorf(nderr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)", c.Burst, c.RequestsPerSecond)
	}
	if c.MaxVisitors < 0 {
		return nderr.Errorf(nderr.CodeServerConfigInvalid,
			"rate limit max visitors must not be negative (got %d)", c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = defaultMaxVisitors
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitorTable struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	max      int
}

func (t *visitorTable) get(ip string, now time.Time) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// sweep drops stale visitors and enforces the size cap. It returns the number
// evicted by the cap.
func (t *visitorTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	type entry struct {
		ip       string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(t.visitors))
	for ip, v := range t.visitors {
		if now.Sub(v.lastSeen) > visitorStaleAfter {
			delete(t.visitors, ip)
			continue
		}
		entries = append(entries, entry{ip: ip, lastSeen: v.lastSeen})
	}
	if t.max <= 0 || len(entries) <= t.max {
		return 0
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.lastSeen.Compare(b.lastSeen) })
	evict := len(entries) - t.max
	for _, e := range entries[:evict] {
		delete(t.visitors, e.ip)
	}
	return evict
}

func (t *visitorTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visitors)
}

// rateLimitMiddleware enforces per-IP token buckets. It is a pass-through when
// cfg.RequestsPerSecond is zero. Closing done stops the cleanup goroutine.
func rateLimitMiddleware(cfg RateLimitConfig, done <-chan struct{}, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	table := &visitorTable{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		max:      cfg.MaxVisitors,
	}

	go func() {
		ticker := time.NewTicker(visitorSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := table.sweep(time.Now()); n > 0 {
					logger.Warn("rate limiter visitor cap enforced",
						slog.Int("evicted", n), slog.Int("max_visitors", cfg.MaxVisitors), slog.Int("remaining", table.len()))
				}
			case <-done:
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Limit by IP, not by connection.
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			now := time.Now()
			res := table.get(ip, now).ReserveN(now, 1)
			if !res.OK() {
				rejectRateLimited(w, time.Second)
				return
			}
			if delay := res.DelayFrom(now); delay > 0 {
				res.CancelAt(now)
				logger.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
				rejectRateLimited(w, delay)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rejectRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if retryAfter > time.Duration(secs)*time.Second {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": http.StatusTooManyRequests,
		"title":  http.StatusText(http.StatusTooManyRequests),
		"detail": "rate limit exceeded",
	})
}
