package usenet

import (
	"sync"
	"time"
)

// breakerState is the circuit state guarding one flaky server.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	defaultOpenThreshold = 5
	defaultCooldown      = 30 * time.Second
)

// breaker is a per-server circuit breaker. Closed passes traffic, Open
// skips the server, HalfOpen lets a single probe through after the
// cooldown.
type breaker struct {
	mu sync.Mutex

	state         breakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool

	openThreshold int
	cooldown      time.Duration
	now           func() time.Time
}

func newBreaker() *breaker {
	return &breaker{
		openThreshold: defaultOpenThreshold,
		cooldown:      defaultCooldown,
		now:           time.Now,
	}
}

// Allow reports whether a request may be routed to this server. In
// HalfOpen only the first caller gets through until the probe resolves.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case breakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Open reports whether the circuit currently skips this server.
func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.openedAt) < b.cooldown
}

// RecordSuccess closes the circuit.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	b.state = breakerClosed
}

// RecordFailure counts a transient or protocol failure. The probe failing
// in HalfOpen re-opens with a fresh cooldown.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = b.now()
		b.probeInFlight = false
	case breakerClosed:
		b.failures++
		if b.failures >= b.openThreshold {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
	case breakerOpen:
		// Already skipping; nothing to count.
	}
}
