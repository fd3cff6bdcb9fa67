package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stagecheck/internal/logging"
)

// MemoryStore is a process-local Store used by tests and `store.backend: memory`.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]*Artifact
	order       []string
	derivations map[[2]string]string
	closed      bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]*Artifact),
		derivations: make(map[[2]string]string),
	}
}

func (m *MemoryStore) Put(ctx context.Context, a *Artifact) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := validate(a); err != nil {
		return "", false, err
	}
	id := ContentID(a.Kind, a.StructuralHash, a.StateHash, a.Payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, fmt.Errorf("memory store closed")
	}
	if _, ok := m.entries[id]; ok {
		observePut(a.Kind, len(a.Payload), false)
		logging.StoreDebug("dedup %s %s", a.Kind, Short(id))
		return id, false, nil
	}

	cp := *a
	cp.ID = id
	cp.Payload = append([]byte(nil), a.Payload...)
	cp.CreatedAt = time.Now().UTC()
	m.entries[id] = &cp
	m.order = append(m.order, id)
	observePut(a.Kind, len(a.Payload), true)
	logging.StoreDebug("stored %s %s (%d bytes)", a.Kind, Short(id), len(a.Payload))
	return id, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, Short(id))
	}
	cp := *a
	cp.Payload = append([]byte(nil), a.Payload...)
	return &cp, nil
}

func (m *MemoryStore) Has(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok, nil
}

func (m *MemoryStore) List(ctx context.Context, kind Kind) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Summary
	for _, id := range m.order {
		a := m.entries[id]
		if kind != "" && a.Kind != kind {
			continue
		}
		out = append(out, Summary{
			ID:             a.ID,
			Kind:           a.Kind,
			StructuralHash: a.StructuralHash,
			StateHash:      a.StateHash,
			Size:           len(a.Payload),
			CreatedAt:      a.CreatedAt,
		})
	}
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Derivations: len(m.derivations)}
	for _, a := range m.entries {
		switch a.Kind {
		case KindSnapshot:
			st.Snapshots++
		case KindTrace:
			st.Traces++
		}
		st.Bytes += len(a.Payload)
	}
	return st, nil
}

func (m *MemoryStore) RecordDerivation(ctx context.Context, parentID, traceID, childID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range []string{parentID, traceID, childID} {
		if _, ok := m.entries[id]; !ok {
			return "", fmt.Errorf("record derivation: %w: %s", ErrNotFound, Short(id))
		}
	}
	key := [2]string{parentID, traceID}
	if existing, ok := m.derivations[key]; ok {
		return existing, nil
	}
	m.derivations[key] = childID
	return childID, nil
}

func (m *MemoryStore) Derivation(ctx context.Context, parentID, traceID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	child, ok := m.derivations[[2]string{parentID, traceID}]
	return child, ok, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
