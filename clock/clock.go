// Package clock abstracts time for deterministic testing of retry schedules.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc calls f once d has elapsed on this clock.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call if it has not started and reports whether it
	// did so.
	Stop() bool
}

// Real uses the standard library time functions.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Manual is a clock that only moves when told to. Its timers fire, in
// deadline order, on the goroutine that moves the clock past them.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock    *Manual
	deadline time.Time
	f        func()
}

// NewManual returns a manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the duration between t and the clock's current time.
func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// AfterFunc schedules f for when the clock reaches Now()+d. A non-positive d
// runs f on its own goroutine straight away.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{clock: m, f: f}
	if d <= 0 {
		go f()
		return t
	}
	m.mu.Lock()
	t.deadline = m.now.Add(d)
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d and fires the timers it passes.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fire()
}

// Set moves the clock to t and fires the timers it passes.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.fire()
}

// fire runs with m.mu held and releases it before calling any timer.
func (m *Manual) fire() {
	var due, kept []*manualTimer
	for _, t := range m.timers {
		if t.deadline.After(m.now) {
			kept = append(kept, t)
		} else {
			due = append(due, t)
		}
	}
	m.timers = kept
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, pending := range m.timers {
		if pending == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
