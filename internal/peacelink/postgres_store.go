package peacelink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists links in Postgres. The fee snapshot is
// flattened into four numeric columns so rate history stays queryable.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a link store backed by Postgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const linkColumns = `id, reference, merchant_id, buyer_id, buyer_phone, dsp_id, assigned_driver_id,
	item_amount, delivery_fee, total_amount, advance_percentage, advance_amount,
	buyer_pays_delivery, advance_paid,
	fee_merchant_rate, fee_merchant_fixed, fee_dsp_rate, fee_cashout_rate,
	status, otp_hash, otp_generated_at, otp_expires_at, otp_attempts, otp_verified_at, otp_verified_by,
	expires_at, max_delivery_at, approved_at, dsp_assigned_at, delivered_at, canceled_at,
	canceled_by, cancellation_reason, dsp_reassignments, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, link *Link) error {
	if link.Version == 0 {
		link.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peacelinks (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric,
			$13, $14,
			$15::numeric, $16::numeric, $17::numeric, $18::numeric,
			$19, $20, $21, $22, $23, $24, $25,
			$26, $27, $28, $29, $30, $31,
			$32, $33, $34, $35, $36, $37)`,
		link.ID, link.Reference, link.MerchantID, nullString(link.BuyerID), link.BuyerPhone,
		nullString(link.DspID), nullString(link.AssignedDriverID),
		link.ItemAmount.StringFixed(2), link.DeliveryFee.StringFixed(2), link.TotalAmount.StringFixed(2),
		link.AdvancePercentage.String(), link.AdvanceAmount.StringFixed(2),
		link.BuyerPaysDelivery, link.AdvancePaid,
		link.FeeSnapshot.MerchantRate.String(), link.FeeSnapshot.MerchantFixed.String(),
		link.FeeSnapshot.DspRate.String(), link.FeeSnapshot.CashoutRate.String(),
		string(link.Status), nullString(link.OtpHash),
		link.OtpGeneratedAt, link.OtpExpiresAt, link.OtpAttempts, link.OtpVerifiedAt, nullString(link.OtpVerifiedBy),
		link.ExpiresAt, link.MaxDeliveryAt, link.ApprovedAt, link.DspAssignedAt, link.DeliveredAt, link.CanceledAt,
		nullString(string(link.CanceledBy)), nullString(link.CancellationReason),
		link.DspReassignments, link.Version, link.CreatedAt, link.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrReferenceTaken
	}
	if err != nil {
		return fmt.Errorf("create peacelink: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM peacelinks WHERE id = $1`, id)
	return scanLink(row)
}

func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM peacelinks WHERE reference = $1`, reference)
	return scanLink(row)
}

func (s *PostgresStore) Update(ctx context.Context, link *Link) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE peacelinks SET
			buyer_id = $2, dsp_id = $3, assigned_driver_id = $4,
			total_amount = $5::numeric, advance_amount = $6::numeric,
			buyer_pays_delivery = $7, advance_paid = $8,
			status = $9, otp_hash = $10, otp_generated_at = $11, otp_expires_at = $12,
			otp_attempts = $13, otp_verified_at = $14, otp_verified_by = $15,
			expires_at = $16, max_delivery_at = $17, approved_at = $18,
			dsp_assigned_at = $19, delivered_at = $20, canceled_at = $21,
			canceled_by = $22, cancellation_reason = $23, dsp_reassignments = $24,
			version = version + 1, updated_at = $25
		WHERE id = $1 AND version = $26`,
		link.ID, nullString(link.BuyerID), nullString(link.DspID), nullString(link.AssignedDriverID),
		link.TotalAmount.StringFixed(2), link.AdvanceAmount.StringFixed(2),
		link.BuyerPaysDelivery, link.AdvancePaid,
		string(link.Status), nullString(link.OtpHash), link.OtpGeneratedAt, link.OtpExpiresAt,
		link.OtpAttempts, link.OtpVerifiedAt, nullString(link.OtpVerifiedBy),
		link.ExpiresAt, link.MaxDeliveryAt, link.ApprovedAt,
		link.DspAssignedAt, link.DeliveredAt, link.CanceledAt,
		nullString(string(link.CanceledBy)), nullString(link.CancellationReason), link.DspReassignments,
		now, link.Version,
	)
	if err != nil {
		return fmt.Errorf("update peacelink: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, link.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	link.Version++
	link.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Link, error) {
	return s.query(ctx, `SELECT `+linkColumns+` FROM peacelinks
		WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT $2`, merchantID, limit)
}

func (s *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Link, error) {
	return s.query(ctx, `SELECT `+linkColumns+` FROM peacelinks
		WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2`, buyerID, limit)
}

func (s *PostgresStore) ListByDsp(ctx context.Context, dspID string, limit int) ([]*Link, error) {
	return s.query(ctx, `SELECT `+linkColumns+` FROM peacelinks
		WHERE dsp_id = $1 ORDER BY created_at DESC LIMIT $2`, dspID, limit)
}

func (s *PostgresStore) ListAwaitingApproval(ctx context.Context, before time.Time, limit int) ([]*Link, error) {
	return s.query(ctx, `SELECT `+linkColumns+` FROM peacelinks
		WHERE status IN ('created', 'pending_approval') AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2`, before, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Link, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query peacelinks: %w", err)
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (*Link, error) {
	var l Link
	var buyerID, dspID, driverID, otpHash, verifiedBy, canceledBy, cancelReason sql.NullString
	var item, delivery, total, advPct, advAmt string
	var mRate, mFixed, dRate, cRate string

	err := row.Scan(
		&l.ID, &l.Reference, &l.MerchantID, &buyerID, &l.BuyerPhone, &dspID, &driverID,
		&item, &delivery, &total, &advPct, &advAmt,
		&l.BuyerPaysDelivery, &l.AdvancePaid,
		&mRate, &mFixed, &dRate, &cRate,
		&l.Status, &otpHash, &l.OtpGeneratedAt, &l.OtpExpiresAt, &l.OtpAttempts, &l.OtpVerifiedAt, &verifiedBy,
		&l.ExpiresAt, &l.MaxDeliveryAt, &l.ApprovedAt, &l.DspAssignedAt, &l.DeliveredAt, &l.CanceledAt,
		&canceledBy, &cancelReason, &l.DspReassignments, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan peacelink: %w", err)
	}

	l.BuyerID = buyerID.String
	l.DspID = dspID.String
	l.AssignedDriverID = driverID.String
	l.OtpHash = otpHash.String
	l.OtpVerifiedBy = verifiedBy.String
	l.CanceledBy = CanceledBy(canceledBy.String)
	l.CancellationReason = cancelReason.String

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&l.ItemAmount, item}, {&l.DeliveryFee, delivery}, {&l.TotalAmount, total},
		{&l.AdvancePercentage, advPct}, {&l.AdvanceAmount, advAmt},
		{&l.FeeSnapshot.MerchantRate, mRate}, {&l.FeeSnapshot.MerchantFixed, mFixed},
		{&l.FeeSnapshot.DspRate, dRate}, {&l.FeeSnapshot.CashoutRate, cRate},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("parse peacelink amount: %w", err)
		}
		*f.dst = d
	}
	return &l, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
