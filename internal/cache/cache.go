// Package cache holds at most one in-memory copy of each named entity for as
// long as something is subscribed to it.
//
// The first subscriber restores the entity from its PersistStore; the last
// one to leave flushes it back and the slot is dropped. Updates are applied
// under the entity's lock and fanned out to every subscriber, in
// subscription order, before the update call returns.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/keyreg"
	"github.com/mmcdole/kinosync/internal/merge"
)

// SubscriberID identifies one Subscribe call so it can be undone.
type SubscriberID uint64

// MutateFunc computes a patch from an entity's current value.
// current is nil when the entity has never been stored. A nil patch leaves
// the entity untouched and notifies nobody.
type MutateFunc func(current domain.Value) (domain.Value, error)

type subscriber struct {
	id SubscriberID
	fn domain.Subscriber
}

// slot is the in-memory record of one subscribed entity.
type slot struct {
	mu      sync.Mutex // serializes mutation and fan-out
	data    domain.Value
	subs    []subscriber
	store   domain.PersistStore
	closing bool          // last subscriber left, flush in progress
	gone    chan struct{} // closed once the slot is out of the map
}

// coldLock serializes restores and write-throughs of one entity while it
// has no slot.
type coldLock struct {
	mu   sync.Mutex
	refs int
}

// Cache is the subscription cache. The zero value is not usable; call New.
type Cache struct {
	mu    sync.Mutex // guards slots, cold and the key registry transitions
	keys  *keyreg.Registry
	slots map[keyreg.Token]*slot
	cold  map[string]*coldLock

	restores singleflight.Group
	nextID   atomic.Uint64
	logger   *slog.Logger
}

// New creates an empty cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		keys:   keyreg.New(),
		slots:  make(map[keyreg.Token]*slot),
		cold:   make(map[string]*coldLock),
		logger: logger,
	}
}

// Subscribe registers fn for name and calls it with the current value
// before returning. If name has no slot it is restored from store, falling
// back to initial (or an empty value) when nothing is stored.
//
// fn is called with the entity locked. It must not call back into the
// cache for the same name on the same goroutine.
func (c *Cache) Subscribe(
	ctx context.Context,
	name string,
	fn domain.Subscriber,
	store domain.PersistStore,
	initial domain.Value,
) (SubscriberID, error) {
	id := SubscriberID(c.nextID.Add(1))

	for {
		s := c.lookup(name)
		if s == nil {
			var err error
			if s, err = c.restore(ctx, name, store, initial); err != nil {
				return 0, err
			}
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			if err := waitGone(ctx, s); err != nil {
				return 0, err
			}
			continue
		}
		s.subs = append(s.subs, subscriber{id: id, fn: fn})
		fn(s.data)
		count := len(s.subs)
		s.mu.Unlock()

		c.logger.Debug("subscribed", "entity", name, "subscriber", id, "subscribers", count)
		return id, nil
	}
}

// Unsubscribe removes the subscriber. When it was the last one, the current
// value is written to store and the slot is dropped.
//
// The slot is dropped even if the write fails; the write error is returned
// afterwards and retrying is up to the caller.
func (c *Cache) Unsubscribe(ctx context.Context, name string, store domain.PersistStore, id SubscriberID) error {
	s := c.lookup(name)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	idx := slices.IndexFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	s.subs = slices.Delete(s.subs, idx, idx+1)
	if len(s.subs) > 0 {
		s.mu.Unlock()
		return nil
	}

	s.closing = true
	if store == nil {
		store = s.store
	}
	err := store.SetItem(ctx, name, s.data)
	s.mu.Unlock()

	c.evict(name, s)
	close(s.gone)

	if err != nil {
		c.logger.Error("failed to persist evicted entity", "entity", name, "error", err)
		return fmt.Errorf("%w: persist %q: %w", domain.ErrPersistence, name, err)
	}
	c.logger.Debug("evicted", "entity", name)
	return nil
}

// UpdateData applies patch to name. A subscribed entity takes
// shallowMerge(current, patch), or patch itself when replace is set, and
// every subscriber is notified. An unsubscribed entity is written straight
// to store and nothing is kept in memory.
func (c *Cache) UpdateData(
	ctx context.Context,
	name string,
	store domain.PersistStore,
	patch domain.Value,
	replace bool,
) error {
	return c.apply(ctx, name, store, func(domain.Value) (domain.Value, error) {
		return patch, nil
	}, replace, false)
}

// Mutate is UpdateData with the patch computed from the current value while
// the entity is locked, so concurrent read-modify-write cycles cannot lose
// updates. For an unsubscribed entity current is the stored value and the
// merged result is written back.
func (c *Cache) Mutate(
	ctx context.Context,
	name string,
	store domain.PersistStore,
	fn MutateFunc,
	replace bool,
) error {
	return c.apply(ctx, name, store, fn, replace, true)
}

func (c *Cache) apply(
	ctx context.Context,
	name string,
	store domain.PersistStore,
	fn MutateFunc,
	replace bool,
	readCold bool,
) error {
	for {
		s := c.lookup(name)
		if s == nil {
			done, err := c.writeThrough(ctx, name, store, fn, replace, readCold)
			if done {
				return err
			}
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			if err := waitGone(ctx, s); err != nil {
				return err
			}
			continue
		}

		patch, err := fn(s.data)
		if err != nil || patch == nil {
			s.mu.Unlock()
			return err
		}
		var next domain.Value
		if replace {
			next = merge.Shallow(nil, patch)
		} else {
			next = merge.Shallow(s.data, patch)
		}
		s.data = next
		for _, sub := range s.subs {
			sub.fn(next)
		}
		s.mu.Unlock()
		return nil
	}
}

// writeThrough persists an update for an entity nobody is subscribed to.
// It reports done=false when a restore installed a slot first, in which case
// the caller applies the update to the slot instead.
func (c *Cache) writeThrough(
	ctx context.Context,
	name string,
	store domain.PersistStore,
	fn MutateFunc,
	replace bool,
	readCold bool,
) (done bool, err error) {
	unlock := c.lockCold(name)
	defer unlock()
	if c.lookup(name) != nil {
		return false, nil
	}

	var current domain.Value
	if readCold {
		v, ok, err := store.GetItem(ctx, name)
		if err != nil {
			return true, fmt.Errorf("%w: read %q: %w", domain.ErrPersistence, name, err)
		}
		if ok {
			current = v
		}
	}

	patch, err := fn(current)
	if err != nil || patch == nil {
		return true, err
	}
	if readCold && !replace {
		patch = merge.Shallow(current, patch)
	}
	if err := store.SetItem(ctx, name, patch); err != nil {
		return true, fmt.Errorf("%w: write %q: %w", domain.ErrPersistence, name, err)
	}
	c.logger.Debug("wrote through", "entity", name)
	return true, nil
}

// restore creates the slot for name. Concurrent callers share one read,
// which is not tied to any one caller's cancellation.
func (c *Cache) restore(
	ctx context.Context,
	name string,
	store domain.PersistStore,
	initial domain.Value,
) (*slot, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, _ := c.restores.Do(name, func() (any, error) {
		unlock := c.lockCold(name)
		defer unlock()

		// A caller that lost the race to an earlier restore finds its slot here
		if s := c.lookup(name); s != nil {
			return s, nil
		}

		data, ok, err := store.GetItem(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: restore %q: %w", domain.ErrPersistence, name, err)
		}
		restored := ok
		if !ok {
			data = initial
		}
		if data == nil {
			data = domain.Value{}
		}

		s := &slot{data: data, store: store, gone: make(chan struct{})}
		c.mu.Lock()
		c.slots[c.keys.Key(name)] = s
		c.mu.Unlock()

		c.logger.Debug("restored", "entity", name, "fromStore", restored)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*slot), nil
}

// lockCold takes name's cold lock and returns its release.
func (c *Cache) lockCold(name string) func() {
	c.mu.Lock()
	l, ok := c.cold[name]
	if !ok {
		l = &coldLock{}
		c.cold[name] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(c.cold, name)
		}
		c.mu.Unlock()
	}
}

// evict drops s from the map, along with the key it was registered under.
func (c *Cache) evict(name string, s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.keys.Lookup(name)
	if !ok || c.slots[tok] != s {
		return
	}
	delete(c.slots, tok)
	c.keys.Delete(name)
}

func (c *Cache) lookup(name string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.keys.Lookup(name)
	if !ok {
		return nil
	}
	return c.slots[tok]
}

func waitGone(ctx context.Context, s *slot) error {
	select {
	case <-s.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Has reports whether name currently has subscribers.
func (c *Cache) Has(name string) bool {
	return c.Subscribers(name) > 0
}

// Subscribers returns how many subscribers name has.
func (c *Cache) Subscribers(name string) int {
	s := c.lookup(name)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return 0
	}
	return len(s.subs)
}

// Get returns the in-memory value of a subscribed entity.
func (c *Cache) Get(name string) (domain.Value, bool) {
	s := c.lookup(name)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || len(s.subs) == 0 {
		return nil, false
	}
	return s.data, true
}

// Names returns the entities currently held in memory.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Names()
}
