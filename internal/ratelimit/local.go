package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process limiter used when Redis is not configured. Each key
// gets its own token bucket; buckets idle for longer than idleTTL are dropped
// by Prune.
type Local struct {
	capacity int
	refill   rate.Limit
	idleTTL  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

// NewLocal builds a limiter allowing bursts of capacity and refillPerSecond
// tokens per second afterwards.
func NewLocal(capacity int, refillPerSecond float64, idleTTL time.Duration) *Local {
	if capacity <= 0 {
		capacity = 1
	}
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &Local{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		idleTTL:  idleTTL,
		now:      time.Now,
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

// Allow consumes a token for key if one is available.
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	lim, ok := l.clients[key]
	if !ok {
		lim = rate.NewLimiter(l.refill, l.capacity)
		l.clients[key] = lim
	}
	l.lastSeen[key] = now
	l.mu.Unlock()
	return lim.AllowN(now, 1), nil
}

// Prune forgets buckets not used within idleTTL and reports how many went.
func (l *Local) Prune() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.clients, key)
			delete(l.lastSeen, key)
			n++
		}
	}
	return n
}

// RunPruner calls Prune every interval until ctx ends.
func (l *Local) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
