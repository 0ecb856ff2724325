// Package timeutil provides the clock used to timestamp calibrations,
// dispatches and launcher responses, and to pace replayed detections.
// Tests substitute MockClock so timestamps and pacing are deterministic.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the service depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return stdTicker{time.NewTicker(d)}
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// MockClock only moves when told to. Tickers it creates fire from Advance,
// at most once per call, and drop the tick if the previous one was not
// consumed.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*mockTicker
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set jumps to t without firing tickers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and fires every ticker that has
// come due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]*mockTicker, 0, len(c.tickers))
	for _, t := range c.tickers {
		if !t.stopped && !now.Before(t.next) {
			t.next = now.Add(t.every)
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTicker{clock: c, ch: make(chan time.Time, 1), every: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// Tickers reports how many tickers have been created, stopped or not.
func (c *MockClock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

// mockTicker state is guarded by its clock's mutex.
type mockTicker struct {
	clock   *MockClock
	ch      chan time.Time
	every   time.Duration
	next    time.Time
	stopped bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
