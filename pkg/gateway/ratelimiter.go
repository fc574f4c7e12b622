package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ClientRateLimiter limits one client's request rate and concurrency.
type ClientRateLimiter struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	maxConcurrent int
	concurrent    int
	lastSeen      time.Time
}

// NewClientRateLimiter allows requestsPerMinute with a burst of the same size
// and at most maxConcurrent requests in flight.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), requestsPerMinute),
		maxConcurrent: maxConcurrent,
		lastSeen:      time.Now(),
	}
}

// Acquire admits a request. On success the returned release must be called
// when the request ends; otherwise reason explains the refusal.
func (r *ClientRateLimiter) Acquire() (release func(), reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen = time.Now()
	if r.maxConcurrent > 0 && r.concurrent >= r.maxConcurrent {
		return nil, "too many concurrent requests"
	}
	if !r.limiter.Allow() {
		return nil, "rate limit exceeded"
	}

	r.concurrent++
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.concurrent--
			r.mu.Unlock()
		})
	}, ""
}

// Stats returns the requests in flight.
func (r *ClientRateLimiter) Stats() (concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrent
}

func (r *ClientRateLimiter) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrent == 0 && r.lastSeen.Before(cutoff)
}

// RateLimiters keeps one ClientRateLimiter per client key.
type RateLimiters struct {
	mu                sync.Mutex
	clients           map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
}

// NewRateLimiters creates an empty set. A non-positive requestsPerMinute
// disables limiting.
func NewRateLimiters(requestsPerMinute, maxConcurrent int) *RateLimiters {
	return &RateLimiters{
		clients:           make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// For returns the limiter for key, creating it on first use.
func (l *RateLimiters) For(key string) *ClientRateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.clients[key]
	if !ok {
		limiter = NewClientRateLimiter(l.requestsPerMinute, l.maxConcurrent)
		l.clients[key] = limiter
	}
	return limiter
}

// Sweep drops limiters idle for longer than maxIdle and returns how many.
func (l *RateLimiters) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, limiter := range l.clients {
		if limiter.idleSince(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests over the client's limits with 429.
func (l *RateLimiters) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.requestsPerMinute <= 0 {
			c.Next()
			return
		}
		release, reason := l.For(c.ClientIP()).Acquire()
		if release == nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: reason, Code: "RATE_LIMITED"})
			return
		}
		defer release()
		c.Next()
	}
}
