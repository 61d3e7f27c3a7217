// Package ratelimit throttles unauthenticated endpoints by client
// address. Usage reporting is the hot path: a runaway build farm
// hammering /usage must be refused before it reaches storage, while
// well-behaved clients posting one increment per compilation stay
// far under the window.
package ratelimit

import (
	"sync"
	"time"
)

type RateLimit interface {
	Allow(addr string) bool
}

type clientWindow struct {
	count   int
	started time.Time
}

type fixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	clients     map[string]*clientWindow
	mutex       sync.Mutex

	// now is replaceable so tests can roll the window forward
	// without sleeping.
	now func() time.Time
}

// New returns a fixed-window limiter allowing maxRequests per client
// address per interval. maxRequests of 0 refuses everything.
func New(maxRequests int, interval time.Duration) RateLimit {
	return &fixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		clients:     make(map[string]*clientWindow),
		now:         time.Now,
	}
}

func (rl *fixedWindowLimiter) Allow(addr string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if rl.maxRequests == 0 {
		return false
	}

	now := rl.now()
	cw := rl.clients[addr]

	if cw == nil || now.Sub(cw.started) > rl.window {
		rl.sweep(now)
		rl.clients[addr] = &clientWindow{count: 1, started: now}
		return true
	}

	if cw.count >= rl.maxRequests {
		return false
	}
	cw.count++

	return true
}

// sweep drops windows that expired, so one-off clients do not pin
// map entries forever. Called with the mutex held, on the slow path
// of opening a new window.
func (rl *fixedWindowLimiter) sweep(now time.Time) {
	for addr, cw := range rl.clients {
		if now.Sub(cw.started) > rl.window {
			delete(rl.clients, addr)
		}
	}
}
