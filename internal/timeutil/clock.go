// Package timeutil abstracts the clock used by the run watchdog so that
// staleness can be tested without sleeping.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the pipeline depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks at a fixed interval.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock is a manually advanced clock. Tickers fire only from Advance.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

// NewMockClock returns a MockClock reading t.
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

// Advance moves the clock forward by d and fires every due ticker once.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*MockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{ch: make(chan time.Time, 1), interval: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// MockTicker is a ticker driven by MockClock.Advance. A tick is dropped when
// the previous one has not been received yet, as with time.Ticker.
type MockTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *MockTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.next) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	t.next = now.Add(t.interval)
}
