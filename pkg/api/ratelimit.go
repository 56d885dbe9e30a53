package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client key. Idle buckets are
// swept periodically until stop is called.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	done    chan struct{}
	once    sync.Once
}

func newClientLimiters(requestsPerMinute int) *clientLimiters {
	cl := &clientLimiters{
		clients: make(map[string]*clientLimiter, 64),
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
		done:    make(chan struct{}),
	}

	go cl.sweepLoop()

	return cl
}

// reserve takes a token for key. It returns zero when the request may
// proceed, otherwise how long the client should wait.
func (cl *clientLimiters) reserve(key string, now time.Time) time.Duration {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	c, ok := cl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[key] = c
	}

	c.lastSeen = now

	if c.limiter.AllowN(now, 1) {
		return 0
	}

	r := c.limiter.ReserveN(now, 1)
	defer r.CancelAt(now)

	if !r.OK() {
		return time.Minute
	}

	return r.DelayFrom(now)
}

// sweep drops clients idle since before now-limiterIdleTTL.
func (cl *clientLimiters) sweep(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for key, c := range cl.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(cl.clients, key)
		}
	}
}

func (cl *clientLimiters) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return len(cl.clients)
}

func (cl *clientLimiters) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			cl.sweep(now)
		case <-cl.done:
			return
		}
	}
}

func (cl *clientLimiters) stop() {
	cl.once.Do(func() { close(cl.done) })
}

// rateLimitMiddleware limits requests per client. With basic auth enabled
// the middleware runs after authentication, so the username is trusted and
// used as the key; otherwise the client IP is.
func (s *server) rateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	limiters := newClientLimiters(requestsPerMinute)
	s.limiters = append(s.limiters, limiters)

	byUser := s.cfg.BasicAuth.Enabled

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wait := limiters.reserve(clientKey(r, byUser), time.Now())
			if wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request, byUser bool) string {
	if byUser {
		if user, _, ok := r.BasicAuth(); ok && user != "" {
			return "user:" + user
		}
	}

	return "ip:" + extractIP(r)
}

// extractIP returns the client IP, preferring the first X-Forwarded-For hop.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
