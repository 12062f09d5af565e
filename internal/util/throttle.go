package util

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Throttle allows at most one event per key within a fixed window. It is used
// to keep sustained protocol corruption from flooding the log.
type Throttle struct {
	mu     sync.Mutex
	clk    clock.Clock
	window time.Duration
	last   map[string]time.Time
	muted  map[string]int
}

func NewThrottle(clk clock.Clock, window time.Duration) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{
		clk:    clk,
		window: window,
		last:   make(map[string]time.Time),
		muted:  make(map[string]int),
	}
}

// Allow reports whether an event for key may be reported now. When it returns
// true, suppressed is the number of events swallowed since the previous report.
func (t *Throttle) Allow(key string) (ok bool, suppressed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	if last, seen := t.last[key]; seen && now.Sub(last) < t.window {
		t.muted[key]++
		return false, 0
	}
	suppressed = t.muted[key]
	t.last[key] = now
	delete(t.muted, key)
	return true, suppressed
}

// Forget drops all state for key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	delete(t.last, key)
	delete(t.muted, key)
	t.mu.Unlock()
}
