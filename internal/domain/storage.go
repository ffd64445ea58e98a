package domain

import "context"

// Value is the JSON-shaped state held for one entity.
// Values are treated as immutable: every update builds a new map.
type Value = map[string]any

// PersistStore is the key-based backend an entity is restored from when its
// first subscriber appears and flushed to when its last subscriber leaves.
type PersistStore interface {
	// GetItem returns the stored value for name. ok is false when nothing is
	// stored, which is distinct from a stored empty value.
	GetItem(ctx context.Context, name string) (v Value, ok bool, err error)

	// SetItem replaces the stored value for name.
	SetItem(ctx context.Context, name string, v Value) error
}

// Subscriber receives every value an entity takes while it is subscribed.
type Subscriber func(Value)
