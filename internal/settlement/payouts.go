package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/idgen"
)

// RecipientType identifies who a payout went to.
type RecipientType string

const (
	RecipientMerchant RecipientType = "merchant"
	RecipientDsp      RecipientType = "dsp"
	RecipientBuyer    RecipientType = "buyer"
	RecipientPlatform RecipientType = "platform"
)

// PayoutType identifies which settlement event produced a payout.
type PayoutType string

const (
	PayoutAdvance      PayoutType = "advance"
	PayoutFinalRelease PayoutType = "final_release"
	PayoutDelivery     PayoutType = "delivery"
	PayoutRefund       PayoutType = "refund"
	PayoutDispute      PayoutType = "dispute"
)

// Payout is a denormalized record of one settlement leg for reporting.
// The ledger stays authoritative; these rows exist so dashboards don't
// reconstruct splits from raw entries.
type Payout struct {
	ID            string          `json:"id"`
	EscrowID      string          `json:"escrowId"`
	RecipientID   string          `json:"recipientId"`
	RecipientType RecipientType   `json:"recipientType"`
	PayoutType    PayoutType      `json:"payoutType"`
	Gross         decimal.Decimal `json:"gross"`
	Fee           decimal.Decimal `json:"fee"`
	Net           decimal.Decimal `json:"net"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// PayoutStore persists payout records.
type PayoutStore interface {
	Create(ctx context.Context, p *Payout) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Payout, error)
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*Payout, error)
}

// NewPayout builds a payout record with a fresh ID.
func NewPayout(escrowID, recipientID string, rt RecipientType, pt PayoutType, gross, fee, net decimal.Decimal) *Payout {
	return &Payout{
		ID:            idgen.WithPrefix("pay_"),
		EscrowID:      escrowID,
		RecipientID:   recipientID,
		RecipientType: rt,
		PayoutType:    pt,
		Gross:         gross,
		Fee:           fee,
		Net:           net,
		CreatedAt:     time.Now().UTC(),
	}
}

// MemoryPayoutStore is an in-memory payout store for development and
// tests.
type MemoryPayoutStore struct {
	mu      sync.RWMutex
	payouts []*Payout
}

// NewMemoryPayoutStore creates an empty in-memory payout store.
func NewMemoryPayoutStore() *MemoryPayoutStore {
	return &MemoryPayoutStore{}
}

func (m *MemoryPayoutStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payouts = append(m.payouts, &cp)
	return nil
}

func (m *MemoryPayoutStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Payout, error) {
	return m.list(0, func(p *Payout) bool { return p.EscrowID == escrowID })
}

func (m *MemoryPayoutStore) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*Payout, error) {
	return m.list(limit, func(p *Payout) bool { return p.RecipientID == recipientID })
}

func (m *MemoryPayoutStore) list(limit int, match func(*Payout) bool) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payout
	for _, p := range m.payouts {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ PayoutStore = (*MemoryPayoutStore)(nil)
