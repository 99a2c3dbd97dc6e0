package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/session"
	"github.com/wnt/memewars/internal/submission"
	"golang.org/x/time/rate"
)

const sessionKey = "session"

// requestLogger logs each request and records its duration
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), duration.Seconds())

		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", duration).
			Msg("Handled request")
	}
}

// loadSession attaches the caller's live session, if any
func (s *Server) loadSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := strings.TrimSpace(c.GetHeader(WalletHeader))
		if address != "" {
			if sess, ok := s.sessions.Get(address); ok {
				c.Set(sessionKey, sess)
			}
		}
		c.Next()
	}
}

func currentSession(c *gin.Context) *session.Session {
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil
	}
	sess, _ := value.(*session.Session)
	return sess
}

// requireSession rejects callers without a connected wallet
func requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentSession(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": submission.UserMessage(submission.ErrNoSession)})
			return
		}
		c.Next()
	}
}

// rateLimited caps comment submissions per wallet
func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)
		if sess != nil && !s.limiter.allow(sess.WalletAddress()) {
			metrics.RecordSubmission("comment", "rate_limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "You are commenting too fast. Please wait a moment."})
			return
		}
		c.Next()
	}
}

// walletLimiter holds one token bucket per wallet
type walletLimiter struct {
	perMinute int
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
}

func newWalletLimiter(perMinute int) *walletLimiter {
	return &walletLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (l *walletLimiter) allow(address string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[address]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.limiters[address] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
