package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (s *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.EscrowID == escrowID && !d.Status.Resolved() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (s *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.list(func(d *Dispute) bool { return d.EscrowID == escrowID }, 0), nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return s.list(func(d *Dispute) bool { return !d.Status.Resolved() }, limit), nil
}

func (s *MemoryStore) list(match func(*Dispute) bool, limit int) []*Dispute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if match(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
