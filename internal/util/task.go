package util

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is a handle on a periodic job started with Every.
type Task struct {
	Name string

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Every runs fn every d on clk until the returned task is cancelled. fn never
// runs after Cancel has returned to a caller outside fn.
func Every(clk clock.Clock, name string, d time.Duration, fn func()) *Task {
	if clk == nil {
		clk = clock.New()
	}
	t := &Task{
		Name: name,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	ticker := clk.Ticker(d)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case <-t.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

// Cancel stops future runs. It does not wait for a run in progress, so it is
// safe to call from inside fn.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
}

// Stop cancels the task and waits for its goroutine to exit.
// Must not be called from inside fn.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.Cancel()
	<-t.done
}

// Tasks owns a set of periodic jobs that are torn down together.
type Tasks struct {
	mu   sync.Mutex
	list []*Task
}

// Add registers t and returns it.
func (g *Tasks) Add(t *Task) *Task {
	g.mu.Lock()
	g.list = append(g.list, t)
	g.mu.Unlock()
	return t
}

// StopAll stops every registered task in registration order.
func (g *Tasks) StopAll() {
	g.mu.Lock()
	list := g.list
	g.list = nil
	g.mu.Unlock()
	for _, t := range list {
		t.Stop()
	}
}
