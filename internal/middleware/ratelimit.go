package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stevepryde/xenon/internal/wire"
)

// maxTrackedClients bounds the limiter map so a port-scanning client cannot
// grow it without limit.
const maxTrackedClients = 10000

// RateLimiter applies a per-IP token bucket. Stale entries are swept by a
// background goroutine; Close stops it.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute sustained
// requests per client IP, with a burst of the same size.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
		stopCh:  make(chan struct{}),
	}

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.cleanupRoutine()
	}()
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= maxTrackedClients {
			rl.evictOldestLocked()
		}
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, c := range rl.clients {
				if c.lastSeen.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// evictOldestLocked drops the least recently seen client. Caller holds rl.mu.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true
	for ip, c := range rl.clients {
		if first || c.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = c.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(rl.clients, oldestIP)
	}
}

// Close stops the cleanup goroutine. Idempotent.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.stopCh)
		rl.wg.Wait()
	})
}

// Handler returns the middleware function for this limiter.
func (rl *RateLimiter) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !rl.Allow(ip) {
				w.Header().Set("Retry-After", "60")
				writeEnvelope(w, http.StatusTooManyRequests, wire.ErrorBody{
					Value: wire.ErrorValue{
						Error:   "unknown error",
						Message: "rate limit exceeded",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
