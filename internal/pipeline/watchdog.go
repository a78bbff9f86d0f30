package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/conflation/internal/timeutil"
)

// Watchdog warns when a batch stops making progress. Every completed path
// beats it; a gap longer than staleAfter fires onStale once until the next
// beat.
type Watchdog struct {
	clock      timeutil.Clock
	staleAfter time.Duration
	onStale    func(idle time.Duration)

	mu     sync.Mutex
	last   time.Time
	beats  int
	warned bool
}

// NewWatchdog returns a watchdog whose idle time starts now.
func NewWatchdog(clock timeutil.Clock, staleAfter time.Duration, onStale func(idle time.Duration)) *Watchdog {
	return &Watchdog{clock: clock, staleAfter: staleAfter, onStale: onStale, last: clock.Now()}
}

// Beat records progress.
func (w *Watchdog) Beat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = w.clock.Now()
	w.beats++
	w.warned = false
}

// Beats returns the number of heartbeats received.
func (w *Watchdog) Beats() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.beats
}

// Check fires onStale if the watchdog has been idle for staleAfter and has
// not already warned about this gap. It reports whether it fired.
func (w *Watchdog) Check() bool {
	w.mu.Lock()
	idle := w.clock.Since(w.last)
	fire := idle >= w.staleAfter && !w.warned
	if fire {
		w.warned = true
	}
	w.mu.Unlock()

	if fire && w.onStale != nil {
		w.onStale(idle)
	}
	return fire
}

// Run checks staleness on a ticker until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.staleAfter / 2
	if interval <= 0 {
		interval = time.Second
	}
	t := w.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			w.Check()
		}
	}
}
