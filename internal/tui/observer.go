package tui

import (
	"sync"

	"github.com/mmcdole/kinosync/internal/domain"
)

// EntityObserver adapts a cache subscription to a channel for Bubble Tea.
// When the UI falls behind only the newest value is kept.
type EntityObserver struct {
	name string
	ch   chan domain.Value
	done chan struct{}
	once sync.Once
}

// NewEntityObserver creates an observer for one entity.
func NewEntityObserver(name string) *EntityObserver {
	return &EntityObserver{
		name: name,
		ch:   make(chan domain.Value, 1),
		done: make(chan struct{}),
	}
}

// Name returns the observed entity name.
func (o *EntityObserver) Name() string { return o.name }

// OnUpdate is the cache subscriber. It never blocks.
// The cache calls it for one entity at a time, so it has a single sender.
func (o *EntityObserver) OnUpdate(v domain.Value) {
	select {
	case o.ch <- v:
		return
	default:
	}
	// Replace the unread value
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- v:
	default:
	}
}

// Next blocks until a value arrives. ok is false once the observer is closed.
func (o *EntityObserver) Next() (v domain.Value, ok bool) {
	select {
	case v = <-o.ch:
		return v, true
	case <-o.done:
		return nil, false
	}
}

// Close releases anything blocked in Next.
func (o *EntityObserver) Close() {
	o.once.Do(func() { close(o.done) })
}
