package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	bolt "go.etcd.io/bbolt"

	"github.com/mmcdole/kinosync/internal/domain"
)

// Bucket names
var (
	bucketEntities = []byte("entities")
)

// BoltStore implements domain.PersistStore using BoltDB.
// Values are stored as JSON, one key per entity name.
type BoltStore struct {
	db *bolt.DB
	mu sync.RWMutex // Protects memory cache

	// Raw JSON of every value read or written, so restores skip the db
	cache map[string][]byte
}

// NewBoltStore opens the store under baseDir. Each server URL gets its own
// database so entities from different backends never mix. An empty baseDir
// gives a memory-only store.
func NewBoltStore(baseDir, serverURL string) (*BoltStore, error) {
	if baseDir == "" {
		// Memory-only mode (no persistence)
		return &BoltStore{cache: make(map[string][]byte)}, nil
	}

	dir := baseDir
	if serverURL != "" {
		dir = filepath.Join(baseDir, hashServerURL(serverURL))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "kinosync.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntities)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, cache: make(map[string][]byte)}, nil
}

// NewMemoryStore returns a store that never touches disk.
func NewMemoryStore() *BoltStore {
	s, _ := NewBoltStore("", "")
	return s
}

func hashServerURL(serverURL string) string {
	normalized := strings.TrimRight(strings.ToLower(serverURL), "/")
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:6])
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetItem implements domain.PersistStore.
func (s *BoltStore) GetItem(ctx context.Context, name string) (domain.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	data, err := s.get(name)
	if err != nil || data == nil {
		return nil, false, err
	}

	var v domain.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode %q: %w", name, err)
	}
	if v == nil {
		// A stored JSON null is still a stored value
		v = domain.Value{}
	}
	return v, true, nil
}

// SetItem implements domain.PersistStore.
func (s *BoltStore) SetItem(ctx context.Context, name string, v domain.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", name, err)
	}
	return s.set(name, data)
}

// === Generic helpers ===

func (s *BoltStore) get(key string) ([]byte, error) {
	// Check memory cache first
	s.mu.RLock()
	if data, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return data, nil
	}
	s.mu.RUnlock()

	if s.db == nil {
		return nil, nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	// Promote to memory cache
	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()

	return data, nil
}

func (s *BoltStore) set(key string, data []byte) error {
	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketEntities).Put([]byte(key), data)
		})
		if err != nil {
			return err
		}
	}

	// Only cache what made it to disk
	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()
	return nil
}

// Delete removes the stored value for name.
func (s *BoltStore) Delete(name string) error {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntities).Delete([]byte(name))
	})
}

// Keys returns every stored entity name in sorted order.
func (s *BoltStore) Keys() ([]string, error) {
	seen := make(map[string]struct{})

	s.mu.RLock()
	for k := range s.cache {
		seen[k] = struct{}{}
	}
	s.mu.RUnlock()

	if s.db != nil {
		err := s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketEntities).ForEach(func(k, _ []byte) error {
				seen[string(k)] = struct{}{}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Find returns the stored entity names matching pattern, best match first.
func (s *BoltStore) Find(pattern string) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}

	matches := fuzzy.Find(pattern, keys)
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Str
	}
	return names, nil
}

// Clear wipes every stored entity.
func (s *BoltStore) Clear() error {
	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	// Recreating the bucket avoids deleting under a live cursor
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntities); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketEntities)
		return err
	})
}
