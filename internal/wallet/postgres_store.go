package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists wallet accounts. The wallets table carries
// CHECK constraints (balance >= held, held >= 0) so an invariant
// violation surfaces as a constraint error even if a bug slips past the
// guards here.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a wallet account store backed by Postgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, balance, held, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, NOW())`,
		a.ID, a.OwnerID, a.Balance.StringFixed(2), a.Held.StringFixed(2),
	)
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, held, updated_at
		FROM wallets WHERE id = $1`, id)

	var a Account
	var balance, held string
	err := row.Scan(&a.ID, &a.OwnerID, &balance, &held, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	if a.Held, err = decimal.NewFromString(held); err != nil {
		return nil, fmt.Errorf("parse held: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) Credit(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $2::numeric, updated_at = NOW()
		WHERE id = $1`,
		id, amount.StringFixed(2),
	)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Debit(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE id = $1 AND balance - held >= $2::numeric`,
		id, amount.StringFixed(2),
	)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	return s.requireRowOrFunds(ctx, id, res)
}

func (s *PostgresStore) Hold(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET held = held + $2::numeric, updated_at = NOW()
		WHERE id = $1 AND balance - held >= $2::numeric`,
		id, amount.StringFixed(2),
	)
	if err != nil {
		return fmt.Errorf("hold wallet funds: %w", err)
	}
	return s.requireRowOrFunds(ctx, id, res)
}

func (s *PostgresStore) Release(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET held = held - $2::numeric, updated_at = NOW()
		WHERE id = $1 AND held >= $2::numeric`,
		id, amount.StringFixed(2),
	)
	if err != nil {
		return fmt.Errorf("release wallet funds: %w", err)
	}
	return s.requireRowOrFunds(ctx, id, res)
}

// requireRowOrFunds distinguishes a missing wallet from a guarded update
// that matched no row because funds were insufficient.
func (s *PostgresStore) requireRowOrFunds(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInsufficientFunds
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

// PostgresPlatformStore persists platform wallets with an optimistic
// version column.
type PostgresPlatformStore struct {
	db *sql.DB
}

// NewPostgresPlatformStore creates a platform wallet store backed by
// Postgres.
func NewPostgresPlatformStore(db *sql.DB) *PostgresPlatformStore {
	return &PostgresPlatformStore{db: db}
}

func (s *PostgresPlatformStore) Ensure(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_wallets (name, balance, version, updated_at)
		VALUES ($1, 0, 1, NOW())
		ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("ensure platform wallet: %w", err)
	}
	return nil
}

func (s *PostgresPlatformStore) Get(ctx context.Context, name string) (*Platform, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, balance, version, updated_at
		FROM platform_wallets WHERE name = $1`, name)

	var p Platform
	var balance string
	err := row.Scan(&p.Name, &balance, &p.Version, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get platform wallet: %w", err)
	}
	if p.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse platform balance: %w", err)
	}
	return &p, nil
}

func (s *PostgresPlatformStore) CompareAndSwap(ctx context.Context, name string, balance decimal.Decimal, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_wallets
		SET balance = $2::numeric, version = version + 1, updated_at = NOW()
		WHERE name = $1 AND version = $3`,
		name, balance.StringFixed(2), expectedVersion,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("swap platform wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, name); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

var _ PlatformStore = (*PostgresPlatformStore)(nil)
