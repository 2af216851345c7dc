package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// ErrCircuitOpen is returned by callers that consult Allow and get refused.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker opens after threshold consecutive counted failures and stays
// open for cooldown. By default only rate limits count as failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	counts    func(error) bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		counts:    IsRateLimit,
		now:       time.Now,
	}
}

// CountAll makes every non-nil error count toward opening the breaker.
func (c *CircuitBreaker) CountAll() *CircuitBreaker {
	c.mu.Lock()
	c.counts = func(err error) bool { return err != nil }
	c.mu.Unlock()
	return c
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError records err and reports whether the breaker just opened.
func (c *CircuitBreaker) OnError(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.counts(err) {
		return false
	}
	c.failures++
	if c.failures >= c.threshold {
		c.failures = 0
		c.openUntil = c.now().Add(c.cooldown)
		return true
	}
	return false
}
