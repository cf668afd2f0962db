package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-client token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL forgets a client after this long without requests. Zero keeps
	// every client for the life of the process.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig suits the public verification page, which is hit
// once per scanned QR code.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		BurstSize:         20,
		IdleTTL:           10 * time.Minute,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientSet keeps one limiter per client IP and sweeps idle ones at most
// once per IdleTTL.
type clientSet struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	clients   map[string]*client
	lastSweep time.Time
	now       func() time.Time
}

func newClientSet(cfg RateLimitConfig) *clientSet {
	return &clientSet{cfg: cfg, clients: make(map[string]*client), now: time.Now}
}

func (s *clientSet) limiter(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl := s.cfg.IdleTTL; ttl > 0 && now.Sub(s.lastSweep) >= ttl {
		for k, c := range s.clients {
			if now.Sub(c.lastSeen) >= ttl {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	c, ok := s.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

func (s *clientSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RateLimit limits requests per client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newClientSet(cfg))
}

func rateLimit(set *clientSet) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(set.cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := set.now()
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			r := set.limiter(c.RealIP(), now).ReserveN(now, 1)
			if wait := retryAfter(r, now); wait > 0 {
				h.Set("Retry-After", strconv.Itoa(wait))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// retryAfter returns 0 when the reservation can be used now, otherwise the
// whole seconds to wait. A delayed reservation is cancelled so the client
// is not charged for a rejected request.
func retryAfter(r *rate.Reservation, now time.Time) int {
	if !r.OK() {
		return 1
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return 0
	}
	r.CancelAt(now)
	return int(math.Max(1, math.Ceil(d.Seconds())))
}
