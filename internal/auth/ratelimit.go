package auth

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AttemptLimiter rate-limits authentication attempts per remote IP using a
// token bucket. It runs before token validation, so a brute-force source
// never reaches the token cache.
type AttemptLimiter struct {
	mu       sync.Mutex
	limiters map[string]*attemptEntry
	burst    int
	rate     float64
	ttl      time.Duration
	logger   zerolog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type attemptEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewAttemptLimiter creates a per-IP auth attempt limiter. Zero values take
// defaults: burst 5, 1 attempt/sec sustained, 5 minute idle cleanup.
func NewAttemptLimiter(burst int, perSec float64, logger zerolog.Logger) *AttemptLimiter {
	if burst == 0 {
		burst = 5
	}
	if perSec == 0 {
		perSec = 1.0
	}
	l := &AttemptLimiter{
		limiters:    make(map[string]*attemptEntry),
		burst:       burst,
		rate:        perSec,
		ttl:         5 * time.Minute,
		logger:      logger.With().Str("component", "auth-rate-limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether another auth attempt from remoteIP is permitted.
func (l *AttemptLimiter) Allow(remoteIP string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[remoteIP]
	if !ok {
		entry = &attemptEntry{limiter: rate.NewLimiter(rate.Limit(l.rate), l.burst)}
		l.limiters[remoteIP] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	allowed := entry.limiter.Allow()
	if !allowed {
		l.logger.Warn().Str("remote_ip", remoteIP).Msg("Auth attempt rate limit exceeded")
	}
	return allowed
}

// Stop terminates the cleanup goroutine.
func (l *AttemptLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *AttemptLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ttl)
			l.mu.Lock()
			for ip, entry := range l.limiters {
				if entry.lastAccess.Before(cutoff) {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}
