// Package wallet is the boundary to user wallet accounts and the
// platform's own profit wallet.
//
// User wallets are owned by the accounts system; this package consumes
// them through a narrow balance/debit/credit/hold contract. The platform
// wallet is a named singleton ("peacepay_profit") credited concurrently
// by many unrelated transactions, so its updates use an optimistic
// version counter instead of a lock.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrVersionConflict   = errors.New("wallet version conflict")
)

// ProfitWallet is the platform's fee-revenue accumulator.
const ProfitWallet = "peacepay_profit"

// casRetries bounds optimistic-concurrency retries on the platform wallet.
const casRetries = 5

// Account is a user wallet. Invariant: Balance >= Held >= 0; the held
// portion is reserved and not available for debits.
type Account struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	Balance   decimal.Decimal `json:"balance"`
	Held      decimal.Decimal `json:"held"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Available returns the spendable balance (balance minus held).
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Held)
}

// Store persists user wallet accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	// Credit adds amount to the balance.
	Credit(ctx context.Context, id string, amount decimal.Decimal) error
	// Debit removes amount from the balance. Fails with
	// ErrInsufficientFunds when the available balance does not cover it;
	// no partial debit ever occurs.
	Debit(ctx context.Context, id string, amount decimal.Decimal) error
	// Hold reserves amount of the balance without moving it.
	Hold(ctx context.Context, id string, amount decimal.Decimal) error
	// Release frees a previously held amount.
	Release(ctx context.Context, id string, amount decimal.Decimal) error
}

// Platform is the platform's own wallet, updated via compare-and-swap.
type Platform struct {
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PlatformStore persists platform wallets with optimistic concurrency.
type PlatformStore interface {
	// Ensure creates the named wallet with zero balance if absent.
	Ensure(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*Platform, error)
	// CompareAndSwap sets the balance if the stored version still equals
	// expectedVersion, incrementing the version. Returns
	// ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, name string, balance decimal.Decimal, expectedVersion int64) error
}

// Service exposes wallet operations to the settlement core.
type Service struct {
	accounts Store
	platform PlatformStore
}

// NewService creates a wallet service.
func NewService(accounts Store, platform PlatformStore) *Service {
	return &Service{accounts: accounts, platform: platform}
}

// GetAccount returns a wallet account.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.accounts.Get(ctx, id)
}

// Balance returns the current balance of a wallet.
func (s *Service) Balance(ctx context.Context, id string) (decimal.Decimal, error) {
	a, err := s.accounts.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// Credit adds amount to a wallet.
func (s *Service) Credit(ctx context.Context, id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("credit amount must be positive, got %s", amount)
	}
	return s.accounts.Credit(ctx, id, amount)
}

// Debit removes amount from a wallet, failing on insufficient funds.
func (s *Service) Debit(ctx context.Context, id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("debit amount must be positive, got %s", amount)
	}
	return s.accounts.Debit(ctx, id, amount)
}

// Hold reserves funds inside a wallet.
func (s *Service) Hold(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.accounts.Hold(ctx, id, amount)
}

// Release frees previously held funds.
func (s *Service) Release(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.accounts.Release(ctx, id, amount)
}

// CreditPlatform adds fee revenue to the platform wallet, retrying on
// version conflicts. Concurrent credits from unrelated transactions must
// not serialize on a lock.
func (s *Service) CreditPlatform(ctx context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("platform credit must be positive, got %s", amount)
	}
	return s.swapPlatform(ctx, func(balance decimal.Decimal) (decimal.Decimal, error) {
		return balance.Add(amount), nil
	})
}

// DebitPlatform removes funds from the platform wallet (e.g. reversing a
// cashout fee on rejection), retrying on version conflicts.
func (s *Service) DebitPlatform(ctx context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("platform debit must be positive, got %s", amount)
	}
	return s.swapPlatform(ctx, func(balance decimal.Decimal) (decimal.Decimal, error) {
		next := balance.Sub(amount)
		if next.IsNegative() {
			return decimal.Zero, ErrInsufficientFunds
		}
		return next, nil
	})
}

// PlatformBalance returns the platform wallet snapshot.
func (s *Service) PlatformBalance(ctx context.Context) (*Platform, error) {
	return s.platform.Get(ctx, ProfitWallet)
}

func (s *Service) swapPlatform(ctx context.Context, apply func(decimal.Decimal) (decimal.Decimal, error)) error {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		p, err := s.platform.Get(ctx, ProfitWallet)
		if err != nil {
			return err
		}
		next, err := apply(p.Balance)
		if err != nil {
			return err
		}
		err = s.platform.CompareAndSwap(ctx, ProfitWallet, next, p.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("platform wallet update exhausted retries: %w", lastErr)
}
