package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = time.Minute
	limiterMaxIdle         = 5 * time.Minute
)

// ClientLimiter applies a token-bucket rate limit per source IP.
// A nil *ClientLimiter allows everything.
type ClientLimiter struct {
	qps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
	lastGC  time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter builds a limiter allowing qps queries per second per
// client with a burst of twice that. qps <= 0 returns nil (unlimited).
func NewClientLimiter(qps int) *ClientLimiter {
	if qps <= 0 {
		return nil
	}
	return &ClientLimiter{
		qps:     rate.Limit(qps),
		burst:   qps * 2,
		clients: make(map[string]*clientBucket),
		lastGC:  time.Now(),
	}
}

// Allow reports whether a query from ip may proceed.
func (l *ClientLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastGC) > limiterCleanupInterval {
		for key, bucket := range l.clients {
			if now.Sub(bucket.lastSeen) > limiterMaxIdle {
				delete(l.clients, key)
			}
		}
		l.lastGC = now
	}
	bucket, ok := l.clients[ip]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.qps, l.burst)}
		l.clients[ip] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.Allow()
}
