package batching

import (
	"sort"
	"sync"
	"time"
)

// Clock is the engine's monotonic time source. Production code uses
// realClock; tests use FakeClock so timer-driven scenarios (silence and
// adaptive deadlines) are deterministic instead of racing real sleeps.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d elapses, returning a Timer that
	// can be stopped or reset like a time.Timer.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of time.Timer the engine depends on.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

// NewRealClock returns the wall-clock Clock used outside of tests.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) Stop() bool               { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// FakeClock is a manually-advanced Clock for deterministic tests of timer
// behavior (silence threshold, adaptive timeout). Retry backoff delays do
// not go through the Clock and still elapse in real time.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f, active: true}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, synchronously firing (in deadline
// order) any timer whose deadline has elapsed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.now = target
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		t.mu.Lock()
		fire := t.active && !t.deadline.After(target)
		if fire {
			t.active = false
		}
		t.mu.Unlock()
		if fire {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

type fakeTimer struct {
	clock    *FakeClock
	mu       sync.Mutex
	deadline time.Time
	f        func()
	active   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := t.active
	t.active = false
	return wasActive
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	now := t.clock.now
	t.clock.mu.Unlock()

	t.mu.Lock()
	wasActive := t.active
	t.deadline = now.Add(d)
	t.active = true
	t.mu.Unlock()

	if !wasActive {
		t.clock.mu.Lock()
		t.clock.timers = append(t.clock.timers, t)
		t.clock.mu.Unlock()
	}
	return wasActive
}
