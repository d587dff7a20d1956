// Package clock lets retry and backoff loops wait on time that tests control.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the part of package time that waiting code needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is backed by package time.
type RealClock struct{}

// NewRealClock returns the wall clock.
func NewRealClock() RealClock {
	return RealClock{}
}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// MockClock only moves when Advance or Set is called.
//
// Thread Safety: all methods are safe for concurrent use.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

// NewMockClock creates a clock stopped at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has moved d forward.
// A non-positive d fires immediately.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires every waiter that is due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	t := c.now.Add(d)
	c.mu.Unlock()
	c.Set(t)
}

// Set moves the clock to t, which may be in the past, and fires every waiter
// whose deadline is not after t, earliest first.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t

	var due, pending []waiter
	for _, w := range c.waiters {
		if w.deadline.After(t) {
			pending = append(pending, w)
		} else {
			due = append(due, w)
		}
	}
	c.waiters = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		w.ch <- t
	}
}

// Waiters returns the number of pending After channels.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
