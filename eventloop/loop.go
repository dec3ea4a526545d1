// Package eventloop provides the single-threaded loop all user-visible
// notifications and command completions are marshalled onto. The session's
// background goroutines never call user code directly; they schedule sources
// here and the goroutine running Run (or draining manually) executes them.
package eventloop

import (
	"context"
	"sync"
)

// SourceID identifies a scheduled source so it can be removed before it
// runs. The zero value never identifies a live source.
type SourceID uint64

type source struct {
	id SourceID
	fn func()
}

// Loop is a FIFO queue of callbacks executed by a single consumer
// goroutine. Scheduling is safe from any goroutine and never blocks; the
// wake-up channel holds at most one pending notification, so bursts of
// scheduling coalesce into one wake-up.
type Loop struct {
	mu      sync.Mutex
	nextID  SourceID
	sources []source
	notify  chan struct{}
}

func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
	}
}

// Post schedules fn without returning a handle. Use it for completions that
// are never detached.
func (l *Loop) Post(fn func()) {
	l.Schedule(fn)
}

// Schedule appends fn to the queue and returns an id that Remove accepts
// until the source has started executing.
func (l *Loop) Schedule(fn func()) SourceID {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.sources = append(l.sources, source{id: id, fn: fn})
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return id
}

// Remove detaches a scheduled source. It returns false when the source
// already ran, is currently running, or never existed.
func (l *Loop) Remove(id SourceID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sources {
		if s.id == id {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			return true
		}
	}
	return false
}

// Run executes sources until ctx is done. It must only be called from one
// goroutine, the consumer's.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
			l.DrainPending()
		}
	}
}

// DrainPending runs every source scheduled before the call and returns how
// many ran. Sources scheduled while draining wait for the next drain, which
// keeps one runaway source from starving ctx checks in Run.
func (l *Loop) DrainPending() int {
	l.mu.Lock()
	batch := l.sources
	l.sources = nil
	l.mu.Unlock()

	for _, s := range batch {
		s.fn()
	}
	return len(batch)
}

// Pending reports how many sources are waiting. Mostly useful in tests.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
