package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Append-only by construction: entries are never replaced or removed.
type MemoryStore struct {
	entries []*Entry
	byKey   map[string]*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*Entry)}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[e.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}

	cp := *e
	m.entries = append(m.entries, &cp)
	m.byKey[cp.IdempotencyKey] = &cp

	out := cp
	return &out, true, nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byKey[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.DebitWalletID == walletID || e.CreditWalletID == walletID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
