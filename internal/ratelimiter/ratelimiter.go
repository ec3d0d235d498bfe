// Package ratelimiter implements the Gateway's per-client admission
// control: a sliding window over connection attempts, independent of
// the WebSocket session's own lifecycle. Its records sit behind one
// RWMutex (Allow and the sweep take the write lock, ActiveCount the
// read lock), and it replaces the fixed-window algorithm with the
// count_in_window / window_start /
// last_seen scheme, matching RateLimiterManager's per-profile registry
// by exposing a Manager that hands out one RateLimiter per profile
// name.
package ratelimiter

import (
	"sync"
	"time"
)

// record tracks one client's admission history within the current window.
type record struct {
	countInWindow int
	windowStart   time.Time
	lastSeen      time.Time
}

// RateLimiter admits at most maxActive concurrently active clients,
// where a client is active while now - max(window_start, last_seen) is
// below the window, and restarts a client's window when it re-enters
// after going inactive.
type RateLimiter struct {
	mu         sync.RWMutex
	records    map[string]*record
	maxActive  int
	window     time.Duration
	cleanupAge time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  bool
}

// New builds a RateLimiter admitting at most maxActive clients in any
// rolling window of length window. cleanupAge bounds how long a stale
// record survives before the background sweep evicts it.
func New(maxActive int, window, cleanupAge time.Duration) *RateLimiter {
	rl := &RateLimiter{
		records:    make(map[string]*record),
		maxActive:  maxActive,
		window:     window,
		cleanupAge: cleanupAge,
		stopCh:     make(chan struct{}),
	}
	return rl
}

// isActiveLocked reports whether r is still within its active window at
// now: a client is active iff now - max(window_start, last_seen) < W.
// Must be called with mu held (read or write).
func (rl *RateLimiter) isActiveLocked(r *record, now time.Time) bool {
	last := r.windowStart
	if r.lastSeen.After(last) {
		last = r.lastSeen
	}
	return now.Sub(last) < rl.window
}

// activeCountLocked counts every currently-active record. Must be
// called with mu held (read or write).
func (rl *RateLimiter) activeCountLocked(now time.Time) int {
	n := 0
	for _, r := range rl.records {
		if rl.isActiveLocked(r, now) {
			n++
		}
	}
	return n
}

// Allow reports whether id may proceed now: compute the number of currently-active distinct ids; if id
// itself is not active and that count has already reached maxActive,
// deny; otherwise (re)admit id, resetting its window if it was not
// active, and always incrementing its in-window count.
func (rl *RateLimiter) Allow(id string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Once shutdown begins, no new admissions.
	if rl.stopped {
		return false
	}

	r, ok := rl.records[id]
	active := ok && rl.isActiveLocked(r, now)

	if !active {
		if rl.maxActive > 0 && rl.activeCountLocked(now) >= rl.maxActive {
			return false
		}
		if !ok {
			r = &record{}
			rl.records[id] = r
		}
		r.windowStart = now
		r.countInWindow = 0
	}

	r.countInWindow++
	r.lastSeen = now
	return true
}

// Release removes id's record immediately, freeing a capacity slot —
// called when a Gateway session closes.
func (rl *RateLimiter) Release(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.records, id)
}

// ActiveCount returns the number of distinct ids currently tracked.
func (rl *RateLimiter) ActiveCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.records)
}

// Run evicts records whose lastSeen exceeds cleanupAge every interval,
// until ctx-like Stop is called. Intended to run in its own goroutine.
func (rl *RateLimiter) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, r := range rl.records {
		if now.Sub(r.lastSeen) > rl.cleanupAge {
			delete(rl.records, id)
		}
	}
}

// Stop halts the background sweep goroutine started by Run and puts
// the limiter into deny-all mode: every Allow call after Stop returns
// false. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.mu.Lock()
		rl.stopped = true
		rl.mu.Unlock()
		close(rl.stopCh)
	})
}

// Manager hands out one RateLimiter per named profile (e.g. per
// tenant, per deployment), mirroring RateLimiterManager's registry so
// callers never construct a RateLimiter directly outside tests.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter

	maxActive  int
	window     time.Duration
	cleanupAge time.Duration
}

// NewManager builds a Manager whose limiters all share the same sizing.
func NewManager(maxActive int, window, cleanupAge time.Duration) *Manager {
	return &Manager{
		limiters:   make(map[string]*RateLimiter),
		maxActive:  maxActive,
		window:     window,
		cleanupAge: cleanupAge,
	}
}

// Get returns the RateLimiter for profile, creating and starting it on
// first use.
func (m *Manager) Get(profile string) *RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rl, ok := m.limiters[profile]; ok {
		return rl
	}
	rl := New(m.maxActive, m.window, m.cleanupAge)
	go rl.Run(m.cleanupAge)
	m.limiters[profile] = rl
	return rl
}

// StopAll stops every limiter the Manager has created.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rl := range m.limiters {
		rl.Stop()
	}
}
