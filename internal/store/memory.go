package store

import (
	"context"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Memory is an in-process KV with the same revision and watch semantics as
// Bucket. Tests run against it, and two clients sharing one Memory behave
// like two processes sharing one bucket.
type Memory struct {
	clock clockwork.Clock

	mu       sync.Mutex
	entries  map[string]*Entry
	revision uint64
	watchers []*memoryWatcher
}

// NewMemory returns an empty in-memory store. clock stamps entry creation
// times; pass a fake clock to make the authoritative clock deterministic.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:   clock,
		entries: make(map[string]*Entry),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.Deleted {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(key, value, false), nil
}

func (m *Memory) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && !entry.Deleted {
		return 0, ErrExists
	}
	return m.write(key, value, false), nil
}

func (m *Memory) Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.Deleted || entry.Revision != expectedRevision {
		return 0, ErrConflict
	}
	return m.write(key, value, false), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && !entry.Deleted {
		m.write(key, nil, true)
	}
	return nil
}

// write assumes m.mu is held.
func (m *Memory) write(key string, value []byte, deleted bool) uint64 {
	m.revision++
	entry := &Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: m.revision,
		Created:  m.clock.Now(),
		Deleted:  deleted,
	}
	m.entries[key] = entry

	for _, w := range m.watchers {
		w.deliver(entry)
	}
	return entry.Revision
}

func (m *Memory) Watch(ctx context.Context, pattern string) (Watcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &memoryWatcher{
		store:   m,
		pattern: pattern,
		updates: make(chan *Entry, watchBuffer),
	}
	m.watchers = append(m.watchers, w)

	// Current values are replayed first, matching the bucket watcher.
	for _, entry := range m.entries {
		if !entry.Deleted {
			w.deliver(entry)
		}
	}
	return w, nil
}

type memoryWatcher struct {
	store   *Memory
	pattern string
	updates chan *Entry

	stopMu  sync.Mutex
	stopped bool
}

func (w *memoryWatcher) deliver(entry *Entry) {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if w.stopped || !matchPattern(w.pattern, entry.Key) {
		return
	}
	cp := *entry
	select {
	case w.updates <- &cp:
	default:
		log.Warn().Str("key", entry.Key).Msg("memory watcher buffer full, dropping update")
	}
}

func (w *memoryWatcher) Updates() <-chan *Entry { return w.updates }

func (w *memoryWatcher) Stop() {
	// Lock order everywhere is store.mu before stopMu.
	w.store.mu.Lock()
	for i, other := range w.store.watchers {
		if other == w {
			w.store.watchers = append(w.store.watchers[:i], w.store.watchers[i+1:]...)
			break
		}
	}
	w.store.mu.Unlock()

	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.updates)
}

// matchPattern matches dot-separated keys against patterns where "*" matches
// one token and a trailing ">" matches the rest, mirroring subject wildcards.
func matchPattern(pattern, key string) bool {
	if pattern == key {
		return true
	}
	pt := strings.Split(pattern, ".")
	kt := strings.Split(key, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(kt)
		}
		if i >= len(kt) {
			return false
		}
		if p != "*" && p != kt[i] {
			return false
		}
	}
	return len(pt) == len(kt)
}
