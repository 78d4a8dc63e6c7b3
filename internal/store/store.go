package store

import (
	"context"
	"errors"
	"time"
)

// The shared store is a flat keyspace of JSON documents with dot-separated
// hierarchical keys ("presence.<id>", "sessions.<sessionID>", ...). Every
// entry carries the revision it was written at and the server-assigned
// creation time, which doubles as the authoritative clock source.

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("store: key not found")
	// ErrExists is returned by Create when the key already has a value.
	ErrExists = errors.New("store: key already exists")
	// ErrConflict is returned by Update when the expected revision is stale.
	ErrConflict = errors.New("store: revision conflict")
)

// Entry is one versioned value in the store.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
	Deleted  bool
}

// Watcher delivers the current value of the watched keys followed by every
// subsequent change. Stop is idempotent.
type Watcher interface {
	Updates() <-chan *Entry
	Stop()
}

// KV is the store contract the rest of the codebase consumes. Bucket
// implements it over JetStream; Memory implements it in-process for tests.
type KV interface {
	// Get returns the current entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put writes value unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Create writes value only if the key does not exist yet.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes value only if the key is still at expectedRevision.
	Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error)
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Watch subscribes to a key or a wildcard pattern ("sessions.*").
	Watch(ctx context.Context, pattern string) (Watcher, error)
}
