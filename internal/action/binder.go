// Package action drives an entity's cache lifecycle around remote calls.
//
// Each operation declares three transforms over the cached value. Request is
// applied before anything is sent, then Success or Failure once the outcome
// is known. Every transform result is merged into the entity, so every
// subscriber sees each step.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/kinosync/internal/cache"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/remote"
)

// Operation names one action declared on a Binder.
type Operation string

// Handlers are the transforms for one operation. Each returns the patch to
// merge into the entity. Route is nil for local-only operations.
type Handlers struct {
	Request func(current domain.Value, input any, route remote.Route) domain.Value
	Success func(current domain.Value, input any, res *remote.Response) domain.Value
	Failure func(current domain.Value, input any, err error) domain.Value
	Route   remote.Route
}

func (h Handlers) complete() bool {
	return h.Request != nil && h.Success != nil && h.Failure != nil
}

// Fetcher performs a route call. *remote.Coordinator satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, route remote.Route, input any) *remote.Response
}

// Config binds a set of operations to one entity.
type Config struct {
	Cache      *cache.Cache
	Fetcher    Fetcher
	Name       string
	Store      domain.PersistStore
	Operations map[Operation]Handlers

	// ErrorTTL clears loadingStatus.error this long after a failure.
	// Zero keeps errors until the next request.
	ErrorTTL time.Duration

	Logger *slog.Logger
}

// Binder invokes declared operations against one entity.
type Binder struct {
	cache   *cache.Cache
	fetcher Fetcher
	name    string
	store   domain.PersistStore
	ops     map[Operation]Handlers
	ttl     time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	errTimer *time.Timer
	errGen   uint64
}

// New validates cfg and returns its Binder. Every operation must have all
// three handlers, and a Fetcher is required once any operation has a route.
func New(cfg Config) (*Binder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil || cfg.Store == nil || cfg.Name == "" {
		return nil, errors.New("action: cache, store and entity name are required")
	}

	ops := make(map[Operation]Handlers, len(cfg.Operations))
	for op, h := range cfg.Operations {
		if !h.complete() {
			return nil, fmt.Errorf("%w: %s.%s", domain.ErrInvalidHandlers, cfg.Name, op)
		}
		if h.Route != nil && cfg.Fetcher == nil {
			return nil, fmt.Errorf("action: %s.%s has a route but no fetcher is configured", cfg.Name, op)
		}
		ops[op] = h
	}

	return &Binder{
		cache:   cfg.Cache,
		fetcher: cfg.Fetcher,
		name:    cfg.Name,
		store:   cfg.Store,
		ops:     ops,
		ttl:     cfg.ErrorTTL,
		logger:  cfg.Logger.With("entity", cfg.Name),
	}, nil
}

// Operations lists the declared operations in name order.
func (b *Binder) Operations() []Operation {
	ops := make([]Operation, 0, len(b.ops))
	for op := range b.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Invoke runs op with input. The returned error is the failed response's
// error or a persistence error from one of the cache updates. Local-only
// operations return a successful Response with no payload.
//
// Invocations of the same operation may overlap; only the individual cache
// updates are ordered.
func (b *Binder) Invoke(ctx context.Context, op Operation, input any) (*remote.Response, error) {
	h, ok := b.ops[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownOperation, b.name, op)
	}

	err := b.mutate(ctx, func(current domain.Value) domain.Value {
		return h.Request(current, input, h.Route)
	})
	if err != nil {
		return nil, err
	}

	// The outcome is recorded even if the caller stops waiting for it
	settle := context.WithoutCancel(ctx)

	if h.Route == nil {
		res := &remote.Response{OK: true}
		err := b.mutate(settle, func(current domain.Value) domain.Value {
			return h.Success(current, input, nil)
		})
		return res, err
	}

	res := b.fetcher.Fetch(ctx, h.Route, input)
	if res.OK {
		err := b.mutate(settle, func(current domain.Value) domain.Value {
			return h.Success(current, input, res)
		})
		return res, err
	}

	failure := res.Err()
	b.logger.Debug("operation failed", "operation", op, "kind", res.Kind, "error", failure)
	err = b.mutate(settle, func(current domain.Value) domain.Value {
		return h.Failure(current, input, failure)
	})
	if err != nil {
		return res, errors.Join(failure, err)
	}
	b.scheduleErrorClear()
	return res, failure
}

func (b *Binder) mutate(ctx context.Context, fn func(domain.Value) domain.Value) error {
	return b.cache.Mutate(ctx, b.name, b.store, func(current domain.Value) (domain.Value, error) {
		return fn(current), nil
	}, false)
}

// scheduleErrorClear arms the ErrorTTL timer, replacing any earlier one so
// only the newest failure is timed.
func (b *Binder) scheduleErrorClear() {
	if b.ttl <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errTimer != nil {
		b.errTimer.Stop()
	}
	b.errGen++
	gen := b.errGen
	b.errTimer = time.AfterFunc(b.ttl, func() { b.clearError(gen) })
}

func (b *Binder) clearError(gen uint64) {
	b.mu.Lock()
	current := gen == b.errGen
	b.mu.Unlock()
	if !current {
		return
	}

	err := b.mutate(context.Background(), func(v domain.Value) domain.Value {
		status, ok := v[KeyLoadingStatus].(map[string]any)
		if !ok || status[KeyError] == nil {
			return nil
		}
		return domain.Value{KeyLoadingStatus: withStatus(status, KeyError, nil)}
	})
	if err != nil {
		b.logger.Error("failed to clear stale error", "error", err)
		return
	}
	b.logger.Debug("cleared stale error")
}

// Close stops a pending error-clear timer.
func (b *Binder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errTimer != nil {
		b.errTimer.Stop()
		b.errTimer = nil
	}
	b.errGen++
}
