package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store backed by maps. Entries are copied
// on the way in and out so callers cannot mutate stored snapshots.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string]Entry)}
}

func (m *MemoryStore) Put(ctx context.Context, namespace, key string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nsLocked(namespace)[key] = copyEntry(e)
	return nil
}

func (m *MemoryStore) PutBatch(ctx context.Context, namespace string, entries []KeyedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.nsLocked(namespace)
	for _, ke := range entries {
		ns[ke.Key] = copyEntry(ke.Entry)
	}
	return nil
}

func (m *MemoryStore) Match(ctx context.Context, namespace, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.namespaces[namespace][key]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(e), true, nil
}

func (m *MemoryStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.namespaces[namespace]
	delete(m.namespaces, namespace)
	return ok, nil
}

func (m *MemoryStore) Close() error { return nil }

// Snapshot returns a copy of one namespace (for testing and the admin API).
func (m *MemoryStore) Snapshot(namespace string) map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]Entry, len(m.namespaces[namespace]))
	for k, v := range m.namespaces[namespace] {
		cp[k] = copyEntry(v)
	}
	return cp
}

func (m *MemoryStore) nsLocked(namespace string) map[string]Entry {
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]Entry)
		m.namespaces[namespace] = ns
	}
	return ns
}

func copyEntry(e Entry) Entry {
	e.Header = e.Header.Clone()
	e.Body = append([]byte(nil), e.Body...)
	return e
}
