package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// KV is the durable key-value storage the access layer persists into
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// StorageError reports that local persistence was unavailable.
// Callers treat it as a soft failure and fall back to "absent".
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// MemoryKV is an in-process KV, used in tests and when no state path is configured
type MemoryKV struct {
	entries map[string]string
	mutex   sync.RWMutex
}

// NewMemoryKV creates a new MemoryKV
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]string),
	}
}

// Get retrieves a value by key
func (m *MemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &StorageError{Op: "get", Key: key, Err: err}
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	value, ok := m.entries[key]

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Bool("found", ok).
		Msg("Entry retrieved")

	return value, ok, nil
}

// Set stores a value, replacing any previous one
func (m *MemoryKV) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.entries[key] = value

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Int("size", len(value)).
		Msg("Entry stored")

	return nil
}

// Delete removes a key; deleting a missing key is not an error
func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.entries, key)

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Msg("Entry deleted")

	return nil
}

// Len returns the number of stored entries
func (m *MemoryKV) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.entries)
}
