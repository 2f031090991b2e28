package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresPayoutStore persists payout records.
type PostgresPayoutStore struct {
	db *sql.DB
}

// NewPostgresPayoutStore creates a payout store backed by Postgres.
func NewPostgresPayoutStore(db *sql.DB) *PostgresPayoutStore {
	return &PostgresPayoutStore{db: db}
}

func (s *PostgresPayoutStore) Create(ctx context.Context, p *Payout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (id, escrow_id, recipient_id, recipient_type, payout_type,
			gross, fee, net, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9)`,
		p.ID, p.EscrowID, p.RecipientID, string(p.RecipientType), string(p.PayoutType),
		p.Gross.StringFixed(2), p.Fee.StringFixed(2), p.Net.StringFixed(2), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create payout: %w", err)
	}
	return nil
}

func (s *PostgresPayoutStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Payout, error) {
	return s.query(ctx, `
		SELECT id, escrow_id, recipient_id, recipient_type, payout_type, gross, fee, net, created_at
		FROM payouts WHERE escrow_id = $1 ORDER BY created_at DESC`, escrowID)
}

func (s *PostgresPayoutStore) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*Payout, error) {
	return s.query(ctx, `
		SELECT id, escrow_id, recipient_id, recipient_type, payout_type, gross, fee, net, created_at
		FROM payouts WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT $2`, recipientID, limit)
}

func (s *PostgresPayoutStore) query(ctx context.Context, q string, args ...any) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		p := &Payout{}
		var gross, fee, net string
		if err := rows.Scan(&p.ID, &p.EscrowID, &p.RecipientID, &p.RecipientType, &p.PayoutType,
			&gross, &fee, &net, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		if p.Gross, err = decimal.NewFromString(gross); err != nil {
			return nil, err
		}
		if p.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		if p.Net, err = decimal.NewFromString(net); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ PayoutStore = (*PostgresPayoutStore)(nil)

// PostgresFlagStore persists reconciliation flags.
type PostgresFlagStore struct {
	db *sql.DB
}

// NewPostgresFlagStore creates a flag store backed by Postgres.
func NewPostgresFlagStore(db *sql.DB) *PostgresFlagStore {
	return &PostgresFlagStore{db: db}
}

func (s *PostgresFlagStore) Create(ctx context.Context, f *ReconciliationFlag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_flags (id, escrow_id, wallet_id, amount, reason, resolved, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, FALSE, $6)`,
		f.ID, f.EscrowID, f.WalletID, f.Amount.StringFixed(2), string(f.Reason), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create reconciliation flag: %w", err)
	}
	return nil
}

func (s *PostgresFlagStore) ListOpen(ctx context.Context, limit int) ([]*ReconciliationFlag, error) {
	return s.query(ctx, `
		SELECT id, escrow_id, wallet_id, amount, reason, resolved, resolved_by, resolved_at, created_at
		FROM reconciliation_flags WHERE resolved = FALSE ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PostgresFlagStore) ListByEscrow(ctx context.Context, escrowID string) ([]*ReconciliationFlag, error) {
	return s.query(ctx, `
		SELECT id, escrow_id, wallet_id, amount, reason, resolved, resolved_by, resolved_at, created_at
		FROM reconciliation_flags WHERE escrow_id = $1 ORDER BY created_at DESC`, escrowID)
}

func (s *PostgresFlagStore) Resolve(ctx context.Context, id, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_flags
		SET resolved = TRUE, resolved_by = $2, resolved_at = NOW()
		WHERE id = $1 AND resolved = FALSE`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolve reconciliation flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFlagNotFound
	}
	return nil
}

func (s *PostgresFlagStore) query(ctx context.Context, q string, args ...any) ([]*ReconciliationFlag, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation flags: %w", err)
	}
	defer rows.Close()

	var out []*ReconciliationFlag
	for rows.Next() {
		f := &ReconciliationFlag{}
		var amount string
		var resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&f.ID, &f.EscrowID, &f.WalletID, &amount, &f.Reason,
			&f.Resolved, &resolvedBy, &resolvedAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation flag: %w", err)
		}
		if f.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		f.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ FlagStore = (*PostgresFlagStore)(nil)
