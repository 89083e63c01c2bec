// Package fakeclock provides a controllable Clock implementation for testing.
package fakeclock

import (
	"sync"
	"time"

	"github.com/whit3rabbit/manus-open/internal/ports"
)

// Clock is a fake clock whose time only moves on Advance.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
	tickers []*ticker
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	return &Clock{current: initial}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires once Advance moves past d.
// A non-positive d fires immediately.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: c.current.Add(d), ch: ch})
	return ch
}

// NewTicker returns a ticker that fires at most once per Advance call that
// crosses one or more of its periods.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &ticker{
		clock:  c,
		period: d,
		next:   c.current.Add(d),
		ch:     make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing expired waiters and tickers.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	now := c.current

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if now.Before(w.deadline) {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- now
	}
	c.waiters = remaining

	for _, t := range c.tickers {
		if t.stopped || now.Before(t.next) {
			continue
		}
		for !now.Before(t.next) {
			t.next = t.next.Add(t.period)
		}
		select {
		case t.ch <- now:
		default:
		}
	}
}

// Set jumps to t without firing anything.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Waiters returns the number of After channels that have not fired yet.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type ticker struct {
	clock   *Clock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *ticker) C() <-chan time.Time {
	return t.ch
}

func (t *ticker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

// Ensure Clock implements ports.Clock.
var _ ports.Clock = (*Clock)(nil)
