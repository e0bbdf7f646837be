package api

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client API request throttling.
type RateLimitConfig struct {
	Enabled bool

	RequestsPerMinute int
	Burst             int

	// BypassPaths skip throttling (e.g. /healthz).
	BypassPaths []string

	// EntryTTL controls idle limiter eviction.
	EntryTTL time.Duration
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 300,
		Burst:             60,
		BypassPaths:       []string{"/healthz", "/metrics"},
		EntryTTL:          30 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientRateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newClientRateLimiter(cfg RateLimitConfig) *clientRateLimiter {
	cfg = normalizeRateLimitConfig(cfg)
	return &clientRateLimiter{
		cfg:     cfg,
		entries: map[string]*limiterEntry{},
	}
}

func normalizeRateLimitConfig(cfg RateLimitConfig) RateLimitConfig {
	d := defaultRateLimitConfig()
	if !cfg.Enabled && cfg.RequestsPerMinute == 0 && cfg.Burst == 0 && len(cfg.BypassPaths) == 0 && cfg.EntryTTL == 0 {
		cfg.Enabled = d.Enabled
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = d.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if len(cfg.BypassPaths) == 0 {
		cfg.BypassPaths = d.BypassPaths
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = d.EntryTTL
	}
	return cfg
}

func (l *clientRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		for _, bp := range l.cfg.BypassPaths {
			if strings.HasPrefix(r.URL.Path, bp) {
				next.ServeHTTP(w, r)
				return
			}
		}

		key := clientKey(r)
		if l.allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := retryAfterSeconds(l.cfg.RequestsPerMinute)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate_limited",
			"retry_after_seconds": retryAfter,
			"limits": map[string]int{
				"requests_per_minute": l.cfg.RequestsPerMinute,
				"burst":               l.cfg.Burst,
			},
		})
	})
}

func (l *clientRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{
			limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.cfg.RequestsPerMinute)), l.cfg.Burst),
			lastSeen: now,
		}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func (l *clientRateLimiter) prune(now time.Time) {
	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.entries, k)
		}
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(rpm int) int {
	if rpm <= 0 {
		return 1
	}
	seconds := int(math.Ceil(60.0 / float64(rpm)))
	if seconds < 1 {
		return 1
	}
	return seconds
}
