package cashout

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

const requestColumns = `id, user_id, amount, fee, total, status, decided_by, decided_at,
	reason, failure_reason, created_at, updated_at`

// PostgresStore persists cashout requests in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cashout_requests (`+requestColumns+`)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.UserID, r.Amount.StringFixed(2), r.Fee.StringFixed(2), r.Total.StringFixed(2),
		string(r.Status), nullString(r.DecidedBy), r.DecidedAt,
		nullString(r.Reason), nullString(r.FailureReason), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create cashout request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM cashout_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (s *PostgresStore) Update(ctx context.Context, r *Request) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cashout_requests
		SET status = $2, decided_by = $3, decided_at = $4, reason = $5,
			failure_reason = $6, updated_at = $7
		WHERE id = $1`,
		r.ID, string(r.Status), nullString(r.DecidedBy), r.DecidedAt,
		nullString(r.Reason), nullString(r.FailureReason), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update cashout request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	return s.query(ctx, `
		SELECT `+requestColumns+` FROM cashout_requests
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.query(ctx, `
		SELECT `+requestColumns+` FROM cashout_requests
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cashout requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	r := &Request{}
	var amount, fee, total string
	var decidedBy, reason, failureReason sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &amount, &fee, &total, &r.Status,
		&decidedBy, &decidedAt, &reason, &failureReason, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cashout request: %w", err)
	}

	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if r.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if r.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	r.DecidedBy = decidedBy.String
	r.Reason = reason.String
	r.FailureReason = failureReason.String
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
