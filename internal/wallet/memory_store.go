package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.accounts[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrWalletNotFound
	}
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrWalletNotFound
	}
	if a.Balance.Sub(a.Held).LessThan(amount) {
		return ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrWalletNotFound
	}
	if a.Balance.Sub(a.Held).LessThan(amount) {
		return ErrInsufficientFunds
	}
	a.Held = a.Held.Add(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, id string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrWalletNotFound
	}
	if a.Held.LessThan(amount) {
		return ErrInsufficientFunds
	}
	a.Held = a.Held.Sub(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

var _ Store = (*MemoryStore)(nil)

// MemoryPlatformStore is an in-memory platform wallet store.
type MemoryPlatformStore struct {
	mu      sync.Mutex
	wallets map[string]*Platform
}

// NewMemoryPlatformStore creates an empty in-memory platform store.
func NewMemoryPlatformStore() *MemoryPlatformStore {
	return &MemoryPlatformStore{wallets: make(map[string]*Platform)}
}

func (m *MemoryPlatformStore) Ensure(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[name]; !ok {
		m.wallets[name] = &Platform{
			Name:      name,
			Balance:   decimal.Zero,
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		}
	}
	return nil
}

func (m *MemoryPlatformStore) Get(ctx context.Context, name string) (*Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.wallets[name]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryPlatformStore) CompareAndSwap(ctx context.Context, name string, balance decimal.Decimal, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.wallets[name]
	if !ok {
		return ErrWalletNotFound
	}
	if p.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Balance = balance
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return nil
}

var _ PlatformStore = (*MemoryPlatformStore)(nil)
