package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timenest-backend/internal/observability"
)

const limiterIdleWindow = 10 * time.Minute

// LoginRateLimiter throttles unauthenticated endpoints per client IP with a
// token bucket that refills maxHits tokens per window.
type LoginRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientLimiter
	maxMemory int
	now       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		limit:     rate.Limit(float64(maxHits) / window.Seconds()),
		burst:     maxHits,
		clients:   make(map[string]*clientLimiter),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r), l.now())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	limiter := l.limiterFor(ip, now)

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)

	if delay < time.Second {
		delay = time.Second
	}
	return false, delay
}

func (l *LoginRateLimiter) limiterFor(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.clients[ip]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(l.clients) >= l.maxMemory {
		l.evict(now)
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.clients[ip] = &clientLimiter{limiter: limiter, lastSeen: now}
	return limiter
}

// evict drops idle clients; if none are idle it drops the least recently seen
// one so the map never grows past maxMemory.
func (l *LoginRateLimiter) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, entry := range l.clients {
		if now.Sub(entry.lastSeen) > limiterIdleWindow {
			delete(l.clients, key)
			continue
		}
		if oldestKey == "" || entry.lastSeen.Before(oldest) {
			oldestKey, oldest = key, entry.lastSeen
		}
	}
	if len(l.clients) >= l.maxMemory && oldestKey != "" {
		delete(l.clients, oldestKey)
	}
}
