package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Error classes reported to the breaker.
const (
	ClassChannelAPI  = "channel_api"
	ClassProviderAPI = "provider_api"
	ClassUnknown     = "unknown"
)

// Transition describes a state change caused by a breaker call. From equals
// To when nothing changed.
type Transition struct {
	From CircuitState
	To   CircuitState
}

// Changed reports whether the call moved the breaker to a new state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// CircuitBreaker is a minimal per-error-class breaker, safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant. An open
// breaker whose cooldown has elapsed moves to half-open and allows one probe.
func (c *CircuitBreaker) Allow(now time.Time) (bool, Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	if c.state != CircuitOpen {
		return true, Transition{From: from, To: c.state}
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		return true, Transition{From: from, To: c.state}
	}
	return false, Transition{From: from, To: c.state}
}

// RecordSuccess closes the breaker.
func (c *CircuitBreaker) RecordSuccess() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	return Transition{From: from, To: c.state}
}

// RecordFailure counts an error in the given class. A failed half-open probe
// reopens immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = ClassUnknown
	}
	from := c.state
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
		return Transition{From: from, To: c.state}
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
	}
	return Transition{From: from, To: c.state}
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
