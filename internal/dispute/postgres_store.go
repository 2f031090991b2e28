package dispute

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

const disputeColumns = `id, escrow_id, opened_by, reason, status, buyer_amount,
	merchant_amount, dsp_amount, resolved_by, resolved_at, created_at, updated_at`

// PostgresStore persists disputes in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12)`,
		d.ID, d.EscrowID, d.OpenedBy, d.Reason, string(d.Status),
		d.BuyerAmount.StringFixed(2), d.MerchantAmount.StringFixed(2), d.DspAmount.StringFixed(2),
		nullString(d.ResolvedBy), d.ResolvedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *PostgresStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status IN ('open', 'under_review')
		ORDER BY created_at DESC LIMIT 1`, escrowID)
	return scanDispute(row)
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, buyer_amount = $3::numeric, merchant_amount = $4::numeric,
			dsp_amount = $5::numeric, resolved_by = $6, resolved_at = $7, updated_at = $8
		WHERE id = $1`,
		d.ID, string(d.Status),
		d.BuyerAmount.StringFixed(2), d.MerchantAmount.StringFixed(2), d.DspAmount.StringFixed(2),
		nullString(d.ResolvedBy), d.ResolvedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (s *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 ORDER BY created_at DESC`, escrowID)
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return s.query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('open', 'under_review')
		ORDER BY created_at ASC LIMIT $1`, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*Dispute, error) {
	d := &Dispute{}
	var buyerAmount, merchantAmount, dspAmount string
	var resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.EscrowID, &d.OpenedBy, &d.Reason, &d.Status,
		&buyerAmount, &merchantAmount, &dspAmount, &resolvedBy, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}

	if d.BuyerAmount, err = decimal.NewFromString(buyerAmount); err != nil {
		return nil, err
	}
	if d.MerchantAmount, err = decimal.NewFromString(merchantAmount); err != nil {
		return nil, err
	}
	if d.DspAmount, err = decimal.NewFromString(dspAmount); err != nil {
		return nil, err
	}
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
