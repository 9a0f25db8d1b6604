package api

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	pinMaxFailures   = 5
	pinLockoutWindow = 60 * time.Second
)

// failureTracker counts failed PIN attempts per client IP. Five failures
// lock the IP out for a minute; a successful auth clears the counter.
type failureTracker struct {
	mu    sync.Mutex
	state map[string]*ipState
}

type ipState struct {
	failures    int
	lockedUntil time.Time
}

func newFailureTracker() *failureTracker {
	return &failureTracker{state: make(map[string]*ipState)}
}

func (t *failureTracker) locked(ip string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[ip]
	if !ok {
		return false
	}
	if now.Before(st.lockedUntil) {
		return true
	}
	if !st.lockedUntil.IsZero() && !now.Before(st.lockedUntil) {
		// Lockout elapsed; start fresh.
		delete(t.state, ip)
	}
	return false
}

func (t *failureTracker) fail(ip string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[ip]
	if !ok {
		st = &ipState{}
		t.state[ip] = st
	}
	st.failures++
	if st.failures >= pinMaxFailures {
		st.lockedUntil = now.Add(pinLockoutWindow)
	}
}

func (t *failureTracker) clear(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, ip)
}

// pinAuth validates the X-Sentinel-Pin header with a constant-time compare.
// An empty configured PIN disables authentication entirely.
func (s *Server) pinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.PIN == "" {
			c.Next()
			return
		}
		ip := c.ClientIP()
		now := time.Now()

		if s.failures.locked(ip, now) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many failed attempts, try again later",
			})
			return
		}

		pin := c.GetHeader("X-Sentinel-Pin")
		if subtle.ConstantTimeCompare([]byte(pin), []byte(s.cfg.PIN)) != 1 {
			s.failures.fail(ip, now)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid pin"})
			return
		}
		s.failures.clear(ip)
		c.Next()
	}
}

// rateLimiter is a sliding-window per-IP counter.
type rateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{hits: make(map[string][]time.Time), limit: limit, window: window}
}

func (r *rateLimiter) allow(ip string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.hits[ip][:0]
	for _, t := range r.hits[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.hits[ip] = kept
		return false
	}
	r.hits[ip] = append(kept, now)
	return true
}

func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.taskRate.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// bodyLimit rejects oversized requests up front and caps the reader for
// chunked bodies that never declared a length.
func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		max := s.cfg.MaxRequestBytes
		if max <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > max {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// recoverJSON converts panics into a structured 500 body, never HTML.
func (s *Server) recoverJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic", "path", c.Request.URL.Path, "panic", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// securityHeaders sets the standard hardening headers on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// corsHeaders reflects origins on the allowlist and answers preflight
// requests. An empty allowlist leaves CORS off.
func corsHeaders(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := set[origin]; ok && origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Sentinel-Pin")
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}
		c.Next()
	}
}

func jsonError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
