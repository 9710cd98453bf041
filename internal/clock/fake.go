package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance in deadline order, so a callback must not
// call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	waiter := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.stopped || waiter.fired {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

// Advance moves time forward by d and fires every callback whose
// deadline is now due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, waiter := range due {
			waiter.callback()
		}
	}
}

func (c *FakeClock) collectDue(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeWaiter
	for _, waiter := range c.waiters {
		switch {
		case waiter.stopped:
		case !waiter.deadline.After(target):
			waiter.fired = true
			due = append(due, waiter)
		default:
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining
	return due
}

// PendingCount returns the number of callbacks still waiting to fire.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped {
			count++
		}
	}
	return count
}
