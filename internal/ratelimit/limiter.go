package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTracked bounds the number of clients kept in memory. Once reached,
// clients whose bucket has refilled are forgotten.
const maxTracked = 10000

// Limiter manages token buckets for multiple clients
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

// NewLimiter creates a new rate limiter
// requestsPerHour: sustained requests allowed per hour per client (e.g., 100)
// burst: max requests in a burst (e.g., 10)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

// PerHour returns the configured sustained rate
func (l *Limiter) PerHour() int {
	return l.perHour
}

// get returns the bucket for a client, creating it on first use
func (l *Limiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[client]
	if !exists {
		if len(l.limiters) >= maxTracked {
			l.evictIdle()
		}
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[client] = limiter
	}

	return limiter
}

// evictIdle drops clients whose bucket is full again; a fresh bucket
// would behave the same
func (l *Limiter) evictIdle() {
	for client, limiter := range l.limiters {
		if limiter.Tokens() >= float64(l.burst) {
			delete(l.limiters, client)
		}
	}
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(client string) bool {
	return l.get(client).Allow()
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(client string) float64 {
	return l.get(client).Tokens()
}

// Len returns the number of tracked clients
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
