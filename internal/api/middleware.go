package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRequestBodyLimitBytes caps request payload size to prevent memory exhaustion.
	DefaultRequestBodyLimitBytes int64 = 64 << 10 // 64 KiB

	// DefaultRateLimitRequests is the default sync trigger budget per client IP and window.
	DefaultRateLimitRequests = 10

	// DefaultRateLimitWindow is the default throttle window.
	DefaultRateLimitWindow = time.Minute
)

const (
	securityHeaderNoSniff = "nosniff"
	securityHeaderNoFrame = "DENY"
	securityHeaderHSTS    = "max-age=63072000; includeSubDomains"
	securityHeaderCSP     = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
)

type ipWindow struct {
	start time.Time
	count int
}

type ipRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]ipWindow
}

func newIPRateLimiter(limit int, window time.Duration, now func() time.Time) *ipRateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimitRequests
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if now == nil {
		now = time.Now
	}

	return &ipRateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]ipWindow),
	}
}

func (l *ipRateLimiter) allow(clientIP string) bool {
	now := l.now()
	if clientIP == "" {
		clientIP = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop stale IP windows to keep memory bounded.
	for ip, window := range l.windows {
		if now.Sub(window.start) >= 2*l.window {
			delete(l.windows, ip)
		}
	}

	window := l.windows[clientIP]
	if window.start.IsZero() || now.Sub(window.start) >= l.window {
		l.windows[clientIP] = ipWindow{start: now, count: 1}
		return true
	}
	if window.count >= l.limit {
		return false
	}

	window.count++
	l.windows[clientIP] = window
	return true
}

// SecurityHeaders adds baseline hardening headers to every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", securityHeaderNoSniff)
		h.Set("X-Frame-Options", securityHeaderNoFrame)
		h.Set("Strict-Transport-Security", securityHeaderHSTS)
		h.Set("Content-Security-Policy", securityHeaderCSP)
		c.Next()
	}
}

// BodySizeLimit caps request body size before handler processing.
func BodySizeLimit(limitBytes int64) gin.HandlerFunc {
	if limitBytes <= 0 {
		limitBytes = DefaultRequestBodyLimitBytes
	}
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limitBytes)
		}
		c.Next()
	}
}

// RateLimitPerIP throttles requests by client IP.
func RateLimitPerIP(limit int, window time.Duration) gin.HandlerFunc {
	return rateLimitPerIPWithClock(limit, window, time.Now)
}

func rateLimitPerIPWithClock(limit int, window time.Duration, now func() time.Time) gin.HandlerFunc {
	limiter := newIPRateLimiter(limit, window, now)

	return func(c *gin.Context) {
		if limiter.allow(clientIPFromRequest(c.Request)) {
			c.Next()
			return
		}

		retryAfterSeconds := int(limiter.window.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}

// RequestLogger logs each request at debug level, errors at warn.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   clientIPFromRequest(c.Request),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

func clientIPFromRequest(r *http.Request) string {
	forwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		if clientIP := strings.TrimSpace(parts[0]); clientIP != "" {
			return clientIP
		}
	}

	remoteAddr := strings.TrimSpace(r.RemoteAddr)
	if remoteAddr == "" {
		return "unknown"
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}
