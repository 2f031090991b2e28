package peacelink

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory link store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	links map[string]*Link
	byRef map[string]string
}

// NewMemoryStore creates an empty in-memory link store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links: make(map[string]*Link),
		byRef: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, link *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[link.Reference]; ok {
		return ErrReferenceTaken
	}
	cp := *link
	if cp.Version == 0 {
		cp.Version = 1
		link.Version = 1
	}
	m.links[cp.ID] = &cp
	m.byRef[cp.Reference] = cp.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrLinkNotFound
	}
	cp := *m.links[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, link *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.links[link.ID]
	if !ok {
		return ErrLinkNotFound
	}
	if stored.Version != link.Version {
		return ErrVersionConflict
	}
	cp := *link
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.links[cp.ID] = &cp
	link.Version = cp.Version
	link.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *MemoryStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Link, error) {
	return m.list(limit, func(l *Link) bool { return l.MerchantID == merchantID })
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Link, error) {
	return m.list(limit, func(l *Link) bool { return l.BuyerID == buyerID })
}

func (m *MemoryStore) ListByDsp(ctx context.Context, dspID string, limit int) ([]*Link, error) {
	return m.list(limit, func(l *Link) bool { return l.DspID == dspID })
}

func (m *MemoryStore) ListAwaitingApproval(ctx context.Context, before time.Time, limit int) ([]*Link, error) {
	return m.list(limit, func(l *Link) bool {
		if l.Status != StatusCreated && l.Status != StatusPendingApproval {
			return false
		}
		return l.ExpiresAt != nil && l.ExpiresAt.Before(before)
	})
}

func (m *MemoryStore) list(limit int, match func(*Link) bool) ([]*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Link
	for _, l := range m.links {
		if match(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
