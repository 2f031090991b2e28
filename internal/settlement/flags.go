package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/idgen"
)

// FlagReason identifies why a settlement step was skipped.
type FlagReason string

const (
	FlagAdvanceClawbackSkipped FlagReason = "advance_clawback_skipped"
	FlagDspFeeChargeSkipped    FlagReason = "dsp_fee_charge_skipped"
	FlagPayoutClawbackSkipped  FlagReason = "payout_clawback_skipped"
	FlagDspPayoutFailed        FlagReason = "dsp_payout_failed"
)

// ReconciliationFlag records a merchant debit that could not be
// satisfied during a cancellation or dispute. The buyer-side refund
// proceeds anyway; finance recovers the shortfall manually.
type ReconciliationFlag struct {
	ID         string          `json:"id"`
	EscrowID   string          `json:"escrowId"`
	WalletID   string          `json:"walletId"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     FlagReason      `json:"reason"`
	Resolved   bool            `json:"resolved"`
	ResolvedBy string          `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// FlagStore persists reconciliation flags.
type FlagStore interface {
	Create(ctx context.Context, f *ReconciliationFlag) error
	ListOpen(ctx context.Context, limit int) ([]*ReconciliationFlag, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*ReconciliationFlag, error)
	Resolve(ctx context.Context, id, resolvedBy string) error
}

// NewFlag builds a reconciliation flag with a fresh ID.
func NewFlag(escrowID, walletID string, amount decimal.Decimal, reason FlagReason) *ReconciliationFlag {
	return &ReconciliationFlag{
		ID:        idgen.WithPrefix("flag_"),
		EscrowID:  escrowID,
		WalletID:  walletID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

// MemoryFlagStore is an in-memory flag store for development and tests.
type MemoryFlagStore struct {
	mu    sync.RWMutex
	flags map[string]*ReconciliationFlag
}

// NewMemoryFlagStore creates an empty in-memory flag store.
func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{flags: make(map[string]*ReconciliationFlag)}
}

func (m *MemoryFlagStore) Create(ctx context.Context, f *ReconciliationFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.flags[cp.ID] = &cp
	return nil
}

func (m *MemoryFlagStore) ListOpen(ctx context.Context, limit int) ([]*ReconciliationFlag, error) {
	return m.list(limit, func(f *ReconciliationFlag) bool { return !f.Resolved })
}

func (m *MemoryFlagStore) ListByEscrow(ctx context.Context, escrowID string) ([]*ReconciliationFlag, error) {
	return m.list(0, func(f *ReconciliationFlag) bool { return f.EscrowID == escrowID })
}

func (m *MemoryFlagStore) Resolve(ctx context.Context, id, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[id]
	if !ok {
		return ErrFlagNotFound
	}
	now := time.Now().UTC()
	f.Resolved = true
	f.ResolvedBy = resolvedBy
	f.ResolvedAt = &now
	return nil
}

func (m *MemoryFlagStore) list(limit int, match func(*ReconciliationFlag) bool) ([]*ReconciliationFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ReconciliationFlag
	for _, f := range m.flags {
		if match(f) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ FlagStore = (*MemoryFlagStore)(nil)
