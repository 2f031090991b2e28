// Package ledger is the append-only record of every money movement.
//
// Each entry captures one movement: at most one debit wallet, at most one
// credit wallet, at most one named platform wallet. Entries are immutable
// facts; the Store interface exposes no update or delete, and the storage
// schema rejects both. The ledger is the sole source of truth for audit
// and reconciliation — payout records and balances are derived views.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/idgen"
)

var (
	ErrEntryNotFound = errors.New("ledger entry not found")
	ErrInvalidEntry  = errors.New("invalid ledger entry")
)

var entriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peacepay",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Total ledger entries recorded by entry type.",
}, []string{"type"})

func init() {
	prometheus.MustRegister(entriesTotal)
}

// EntryType classifies a money movement.
type EntryType string

const (
	TypeHold            EntryType = "hold"             // buyer funds debited into escrow
	TypeAdvancePayout   EntryType = "advance_payout"   // merchant advance, pre-delivery
	TypeMerchantPayout  EntryType = "merchant_payout"  // final release to merchant
	TypeDspPayout       EntryType = "dsp_payout"       // delivery partner payout
	TypePlatformFee     EntryType = "platform_fee"     // fee credited to platform wallet
	TypeRefund          EntryType = "refund"           // buyer refund on cancellation/dispute
	TypeAdvanceRefund   EntryType = "advance_refund"   // advance clawed back from merchant
	TypeDspFeeCharge    EntryType = "dsp_fee_charge"   // merchant charged DSP fee on fault
	TypeCashoutRequest  EntryType = "cashout_request"  // principal+fee debited at request
	TypeCashoutApproved EntryType = "cashout_approved" // audit only, no money movement
	TypeCashoutRefund   EntryType = "cashout_refund"   // rejected request refunded in full
)

// Entry is one immutable money movement.
type Entry struct {
	ID             string          `json:"id"`
	EscrowID       string          `json:"escrowId,omitempty"`
	DebitWalletID  string          `json:"debitWalletId,omitempty"`
	CreditWalletID string          `json:"creditWalletId,omitempty"`
	PlatformWallet string          `json:"platformWallet,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Type           EntryType       `json:"type"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Store persists ledger entries. Deliberately append-only: there is no
// update or delete on this interface, and none at the storage layer.
type Store interface {
	// Append inserts the entry, or returns the existing entry (inserted
	// false) when the idempotency key has been seen before.
	Append(ctx context.Context, e *Entry) (entry *Entry, inserted bool, err error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
	ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Entry, error)
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Entry, error)
}

// Ledger validates and records entries.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record validates and appends an entry. Submitting the same idempotency
// key twice is a no-op that returns the original entry.
func (l *Ledger) Record(ctx context.Context, e *Entry) (*Entry, error) {
	if err := validate(e); err != nil {
		return nil, err
	}

	e.ID = idgen.WithPrefix("led_")
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	stored, inserted, err := l.store.Append(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	if inserted {
		entriesTotal.WithLabelValues(string(stored.Type)).Inc()
	}
	return stored, nil
}

// GetByIdempotencyKey returns the entry recorded under key, or
// ErrEntryNotFound. Callers use it to test whether a movement already
// happened before repeating a non-idempotent wallet operation.
func (l *Ledger) GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	return l.store.GetByIdempotencyKey(ctx, key)
}

// ListByEscrow returns entries for one escrow, newest first.
func (l *Ledger) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByEscrow(ctx, escrowID, limit)
}

// ListByWallet returns entries touching one wallet, newest first.
func (l *Ledger) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByWallet(ctx, walletID, limit)
}

func validate(e *Entry) error {
	if e.Type == "" {
		return fmt.Errorf("%w: entry type is required", ErrInvalidEntry)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidEntry)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidEntry, e.Amount)
	}
	if e.DebitWalletID == "" && e.CreditWalletID == "" && e.PlatformWallet == "" && e.Type != TypeCashoutApproved {
		return fmt.Errorf("%w: entry must reference a wallet", ErrInvalidEntry)
	}
	return nil
}
