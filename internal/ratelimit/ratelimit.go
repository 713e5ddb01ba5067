// Package ratelimit implements the per-address, per-action token bucket
// described in spec §4.B: each (address, action) pair has an independent
// counter gated by two one-shot timers - a "timeframe" timer that resets
// the counter if it never reached the cap, and a "restore" timer, armed
// once the counter reaches the cap, that unconditionally resets it.
package ratelimit

import (
	"sync"
	"time"
)

// Action names a class of mutating operation that shares one bucket per
// address. The full action->Config table is built from configuration
// (config.Ratelimits.ToRatelimitTable), not here.
type Action string

// Config is the (amount, timeframe, restore) tuple for one action class.
type Config struct {
	Amount    int
	Timeframe time.Duration
	Restore   time.Duration
}

// Verdict is the result of a Hit.
type Verdict int

const (
	Allowed Verdict = iota
	Limited
)

type counter struct {
	count          int
	timeframeTimer *time.Timer
	restoreTimer   *time.Timer
}

// Limiter tracks counters keyed by client network address. It is advisory:
// a Limited verdict tells the caller to abort the action, never to drop the
// connection.
//
// Limiter does not lock internally. All of its exported methods, and the
// callbacks its timers schedule, assume the caller already holds lock -
// the same coarse mutex that serializes every other room mutation (§5).
// This is why New takes a *sync.Mutex rather than owning one: the timer
// goroutines must rejoin the room's single serialization domain before
// touching counter state.
type Limiter struct {
	mu      *sync.Mutex
	configs map[Action]Config
	state   map[string]map[Action]*counter
}

// New creates a Limiter whose timer callbacks serialize on mu.
func New(mu *sync.Mutex, configs map[Action]Config) *Limiter {
	return &Limiter{
		mu:      mu,
		configs: configs,
		state:   make(map[string]map[Action]*counter),
	}
}

// Hit records one attempted action by address and reports whether it is
// allowed. Must be called with the caller's room lock held.
func (l *Limiter) Hit(address string, action Action) Verdict {
	cfg, configured := l.configs[action]
	if !configured {
		return Allowed
	}

	c := l.counterFor(address, action)

	// Step 4: already at cap on entry -> limited, no further increment.
	if c.count >= cfg.Amount {
		return Limited
	}

	// Step 1: first hit in a fresh window arms the timeframe timer.
	if c.timeframeTimer == nil {
		c.timeframeTimer = time.AfterFunc(cfg.Timeframe, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c.count < cfg.Amount {
				c.count = 0
			}
			c.timeframeTimer = nil
		})
	}

	// Step 2.
	c.count++

	// Step 3: counter reached the cap exactly now.
	if c.count == cfg.Amount {
		c.restoreTimer = time.AfterFunc(cfg.Restore, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			c.count = 0
			c.restoreTimer = nil
		})
		return Limited
	}

	return Allowed
}

// Count returns the current counter value for address/action, for tests
// and invariant checks (§8 invariant 4: every counter in [0, amount]).
func (l *Limiter) Count(address string, action Action) int {
	byAction, ok := l.state[address]
	if !ok {
		return 0
	}
	c, ok := byAction[action]
	if !ok {
		return 0
	}
	return c.count
}

func (l *Limiter) counterFor(address string, action Action) *counter {
	byAction, ok := l.state[address]
	if !ok {
		byAction = make(map[Action]*counter)
		l.state[address] = byAction
	}
	c, ok := byAction[action]
	if !ok {
		c = &counter{}
		byAction[action] = c
	}
	return c
}
