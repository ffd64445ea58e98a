// Package session keeps the signed-in user's credentials in the "auth"
// entity, so they are cached, persisted and observed like any other entity.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mmcdole/kinosync/internal/action"
	"github.com/mmcdole/kinosync/internal/cache"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/merge"
	"github.com/mmcdole/kinosync/internal/remote"
)

// Entity names owned by the session.
const (
	AuthEntity   = "auth"
	DeviceEntity = "device"
)

// Operations declared on the auth binder.
const (
	OpLogin  action.Operation = "login"
	OpLogout action.Operation = "logout"
)

const tokenKey = "token"

// Session reads and writes the auth entity.
type Session struct {
	cache  *cache.Cache
	store  domain.PersistStore
	logger *slog.Logger

	mu       sync.Mutex
	fallback string // configured token, used until one is stored
}

// New creates a Session. fallback is used while the auth entity holds no
// token, e.g. a token supplied through configuration.
func New(c *cache.Cache, store domain.PersistStore, fallback string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cache: c, store: store, fallback: fallback, logger: logger}
}

// Initial is the auth entity's value before anyone has signed in.
func Initial() domain.Value {
	return action.NewLoadedItem(domain.Value{tokenKey: nil})
}

// Token implements remote.TokenFunc.
func (s *Session) Token(ctx context.Context) (string, error) {
	v, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	if token, _ := action.DataOf(v)[tokenKey].(string); token != "" {
		return token, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback, nil
}

func (s *Session) current(ctx context.Context) (domain.Value, error) {
	if v, ok := s.cache.Get(AuthEntity); ok {
		return v, nil
	}
	v, _, err := s.store.GetItem(ctx, AuthEntity)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %w", domain.ErrPersistence, AuthEntity, err)
	}
	return v, nil
}

// Update implements remote.AuthUpdater. The refresh payload's "data" object,
// or the payload itself when there is none, is merged into the auth data.
func (s *Session) Update(ctx context.Context, payload map[string]any) error {
	fresh, ok := payload[action.KeyData].(map[string]any)
	if !ok {
		fresh = make(map[string]any, len(payload))
		for k, v := range payload {
			if k != "ok" {
				fresh[k] = v
			}
		}
	}
	if _, ok := fresh[tokenKey].(string); !ok {
		return fmt.Errorf("refresh response carries no %s", tokenKey)
	}

	return s.cache.Mutate(ctx, AuthEntity, s.store, func(current domain.Value) (domain.Value, error) {
		return domain.Value{action.KeyData: merge.Deep(action.DataOf(current), fresh)}, nil
	}, false)
}

// Logout implements remote.LogoutFunc. It resets the auth entity and forgets
// the configured token.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.fallback = ""
	s.mu.Unlock()

	s.logger.Info("logging out")
	return s.cache.Mutate(ctx, AuthEntity, s.store, func(domain.Value) (domain.Value, error) {
		return Initial(), nil
	}, true)
}

// Fingerprint implements remote.FingerprintFunc with a random device id that
// is generated once and kept in the store.
func (s *Session) Fingerprint(ctx context.Context) (string, error) {
	v, ok, err := s.store.GetItem(ctx, DeviceEntity)
	if err != nil {
		return "", fmt.Errorf("%w: read %q: %w", domain.ErrPersistence, DeviceEntity, err)
	}
	if id, _ := v["id"].(string); ok && id != "" {
		return id, nil
	}

	id := uuid.NewString()
	if err := s.store.SetItem(ctx, DeviceEntity, domain.Value{"id": id}); err != nil {
		return "", fmt.Errorf("%w: write %q: %w", domain.ErrPersistence, DeviceEntity, err)
	}
	s.logger.Debug("generated device id", "id", id)
	return id, nil
}

// Operations returns the auth binder's operations: login against route, and
// a local logout that resets the entity.
func (s *Session) Operations(login remote.Route) map[action.Operation]action.Handlers {
	return map[action.Operation]action.Handlers{
		OpLogin: action.LoadingHandlers(login),
		OpLogout: {
			Request: func(domain.Value, any, remote.Route) domain.Value { return nil },
			Success: func(domain.Value, any, *remote.Response) domain.Value {
				s.mu.Lock()
				s.fallback = ""
				s.mu.Unlock()
				return Initial()
			},
			Failure: func(domain.Value, any, error) domain.Value { return nil },
		},
	}
}
