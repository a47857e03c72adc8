package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-user message budget
// ARCHITECTURAL DISCOVERY: Per-user state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	perMin  int
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute messages per user, refilled evenly across the
// minute with a burst of the full budget. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMin:  perMinute,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow consumes one token for userID.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.perMin <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.clients[userID]
	if !ok {
		cl = &clientLimit{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMin)), rl.perMin)}
		rl.clients[userID] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// Cleanup removes users idle for longer than idle
// FUNCTIONAL DISCOVERY: An idle user's bucket is full again after one minute,
// so dropping it after several minutes loses no state
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for userID, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > idle {
			delete(rl.clients, userID)
			removed++
		}
	}
	return removed
}

// Tracked reports how many users currently hold limiter state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
