package integration

import (
	"sync"
	"time"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
)

var _ core.Clock = (*FakeClock)(nil)

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// FakeClock is a core.Clock whose time only moves when Add or Set is called.
// Repository rows, job results and repair cut-offs all read from it, so tests can
// age steps and jobs without sleeping.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the fake time reaches now + d.
// A non-positive d fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &waiter{deadline: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- c.now
		return w.ch
	}
	c.waiters = append(c.waiters, w)
	return w.ch
}

func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Add moves the fake time forward and fires every waiter that is now due.
func (c *FakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceTo(c.now.Add(d))
}

// Set jumps to t. Moving backwards is ignored.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		return
	}
	c.advanceTo(t.UTC())
}

// Waiters reports how many After channels have not fired yet, which lets a test wait
// for a background loop to park before advancing time.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) advanceTo(t time.Time) {
	c.now = t
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.deadline.After(t) {
			pending = append(pending, w)
			continue
		}
		w.ch <- t
	}
	c.waiters = pending
}
