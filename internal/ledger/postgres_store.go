package ledger

import (
	"context"
	"database/sql"
)

// PostgresStore persists ledger entries in PostgreSQL.
//
// The ledger_entries table carries a trigger rejecting UPDATE and DELETE,
// so immutability holds even against access outside this store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, escrow_id, debit_wallet_id, credit_wallet_id, platform_wallet,
	       amount, entry_type, description, idempotency_key, created_at`

func (p *PostgresStore) Append(ctx context.Context, e *Entry) (*Entry, bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, escrow_id, debit_wallet_id, credit_wallet_id, platform_wallet,
			amount, entry_type, description, idempotency_key, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,2), $7, $8, $9, $10
		)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, nullString(e.EscrowID), nullString(e.DebitWalletID),
		nullString(e.CreditWalletID), nullString(e.PlatformWallet),
		e.Amount, string(e.Type), nullString(e.Description),
		e.IdempotencyKey, e.CreatedAt,
	)
	if err != nil {
		return nil, false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows == 0 {
		// Idempotency key seen before: return the original entry.
		existing, err := p.GetByIdempotencyKey(ctx, e.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return e, true, nil
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE escrow_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE debit_wallet_id = $1 OR credit_wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		escrowID    sql.NullString
		debitID     sql.NullString
		creditID    sql.NullString
		platform    sql.NullString
		description sql.NullString
		entryType   string
	)

	err := s.Scan(
		&e.ID, &escrowID, &debitID, &creditID, &platform,
		&e.Amount, &entryType, &description, &e.IdempotencyKey, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = EntryType(entryType)
	e.EscrowID = escrowID.String
	e.DebitWalletID = debitID.String
	e.CreditWalletID = creditID.String
	e.PlatformWallet = platform.String
	e.Description = description.String
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
