// Package settlement orchestrates the financial lifecycle of a
// PeaceLink: approval and escrow hold, advance payout, final release,
// DSP payout, cancellation refunds and expiry.
//
// Every operation validates the lifecycle transition, computes fees from
// the link's immutable rate snapshot, moves wallet balances, records
// ledger entries and advances status. Operations on the same link are
// serialized by a per-link mutex plus an optimistic version check at the
// store; notifications fire only after the state change has persisted.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/fees"
	"github.com/peacepay/peacelink/internal/idgen"
	"github.com/peacepay/peacelink/internal/ledger"
	"github.com/peacepay/peacelink/internal/logging"
	"github.com/peacepay/peacelink/internal/money"
	"github.com/peacepay/peacelink/internal/notify"
	"github.com/peacepay/peacelink/internal/peacelink"
	"github.com/peacepay/peacelink/internal/wallet"
)

var (
	ErrFlagNotFound = errors.New("reconciliation flag not found")
)

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peacepay",
		Subsystem: "settlement",
		Name:      "operations_total",
		Help:      "Settlement operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	platformRevenue = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peacepay",
		Subsystem: "settlement",
		Name:      "platform_revenue_total",
		Help:      "Cumulative fee revenue credited to the platform wallet.",
	})
)

func init() {
	prometheus.MustRegister(operationsTotal, platformRevenue)
}

// Config carries the lifecycle knobs for the engine.
type Config struct {
	ApprovalTTL      time.Duration
	MaxDeliveryDays  int
	MaxReassignments int
	OtpTTL           time.Duration
	OtpMaxAttempts   int
	OtpDigits        int
}

// Engine implements the settlement operations over a PeaceLink.
type Engine struct {
	links    peacelink.Store
	ledger   *ledger.Ledger
	wallets  *wallet.Service
	payouts  PayoutStore
	flags    FlagStore
	schedule *fees.Schedule
	emitter  *notify.Emitter
	cfg      Config
	locks    sync.Map // per-link ID locks to prevent race conditions
}

// NewEngine creates a settlement engine.
func NewEngine(links peacelink.Store, led *ledger.Ledger, wallets *wallet.Service, payouts PayoutStore, flags FlagStore, schedule *fees.Schedule, cfg Config) *Engine {
	return &Engine{
		links:    links,
		ledger:   led,
		wallets:  wallets,
		payouts:  payouts,
		flags:    flags,
		schedule: schedule,
		cfg:      cfg,
	}
}

// WithEmitter adds post-commit event notification.
func (e *Engine) WithEmitter(em *notify.Emitter) *Engine {
	e.emitter = em
	return e
}

// linkLock returns a mutex for the given link ID.
// This serializes state transitions (e.g. cancel + confirm racing).
func (e *Engine) linkLock(id string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateRequest contains the parameters for creating a PeaceLink.
type CreateRequest struct {
	MerchantID        string `json:"merchantId" binding:"required"`
	BuyerPhone        string `json:"buyerPhone" binding:"required"`
	ItemAmount        string `json:"itemAmount" binding:"required"`
	DeliveryFee       string `json:"deliveryFee"`
	AdvancePercentage string `json:"advancePercentage"`
	BuyerPaysDelivery bool   `json:"buyerPaysDelivery"`
	Reference         string `json:"reference"`
}

// Create builds a new PeaceLink with the active fee rates snapshotted
// onto it. No money moves until the buyer approves.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*peacelink.Link, error) {
	item, err := money.Parse(req.ItemAmount)
	if err != nil {
		return nil, fmt.Errorf("item amount: %w", err)
	}
	delivery := decimal.Zero
	if req.DeliveryFee != "" {
		if delivery, err = money.Parse(req.DeliveryFee); err != nil {
			return nil, fmt.Errorf("delivery fee: %w", err)
		}
	}
	advancePct := decimal.Zero
	if req.AdvancePercentage != "" {
		if advancePct, err = decimal.NewFromString(req.AdvancePercentage); err != nil {
			return nil, fmt.Errorf("advance percentage: %w", err)
		}
	}

	now := time.Now().UTC()
	expires := now.Add(e.cfg.ApprovalTTL)

	reference := req.Reference
	if reference == "" {
		reference = "PL-" + strings.ToUpper(idgen.Hex(5))
	}

	total := item
	if req.BuyerPaysDelivery {
		total = total.Add(delivery)
	}

	link := &peacelink.Link{
		ID:                peacelink.NewID(),
		Reference:         reference,
		MerchantID:        req.MerchantID,
		BuyerPhone:        req.BuyerPhone,
		ItemAmount:        item,
		DeliveryFee:       delivery,
		TotalAmount:       total,
		AdvancePercentage: advancePct,
		AdvanceAmount:     money.Round2(item.Mul(advancePct).Div(decimal.NewFromInt(100))),
		BuyerPaysDelivery: req.BuyerPaysDelivery,
		FeeSnapshot:       e.schedule.Current(),
		Status:            peacelink.StatusCreated,
		ExpiresAt:         &expires,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := link.Validate(); err != nil {
		operationsTotal.WithLabelValues("create", "rejected").Inc()
		return nil, err
	}

	if err := e.links.Create(ctx, link); err != nil {
		operationsTotal.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to create peacelink: %w", err)
	}
	operationsTotal.WithLabelValues("create", "ok").Inc()

	if e.emitter != nil {
		e.emitter.EmitLinkCreated(link.MerchantID, link.ID, link.Reference, link.TotalAmount.StringFixed(2))
	}
	return link, nil
}

// Share moves a freshly created link to pending_approval once it has
// been sent to the buyer.
func (e *Engine) Share(ctx context.Context, id string) (*peacelink.Link, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := link.Transition(peacelink.StatusPendingApproval); err != nil {
		return nil, err
	}
	if err := e.links.Update(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// Approve executes the buyer's acceptance: the total amount is debited
// from the buyer's wallet into escrow, any configured advance is paid
// out to the merchant, and the delivery clock starts.
func (e *Engine) Approve(ctx context.Context, id, buyerID string) (*peacelink.Link, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !link.CanApprove(now) {
		operationsTotal.WithLabelValues("approve", "rejected").Inc()
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusSphActive}
	}

	// Debit fails atomically on insufficient balance, no partial debit.
	if err := e.wallets.Debit(ctx, buyerID, link.TotalAmount); err != nil {
		operationsTotal.WithLabelValues("approve", "insufficient_funds").Inc()
		return nil, err
	}

	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       link.ID,
		DebitWalletID:  buyerID,
		Amount:         link.TotalAmount,
		Type:           ledger.TypeHold,
		Description:    fmt.Sprintf("escrow hold for %s", link.Reference),
		IdempotencyKey: "hold:" + link.ID,
	}); err != nil {
		// Put the money back, the hold was never recorded.
		if compErr := e.wallets.Credit(ctx, buyerID, link.TotalAmount); compErr != nil {
			logging.L(ctx).Error("CRITICAL: buyer debited but hold entry and refund both failed",
				"link", link.ID, "buyer", buyerID, "amount", link.TotalAmount, "error", compErr)
		}
		operationsTotal.WithLabelValues("approve", "error").Inc()
		return nil, fmt.Errorf("failed to record escrow hold: %w", err)
	}

	link.BuyerID = buyerID
	link.ApprovedAt = &now
	link.ExpiresAt = nil
	maxDelivery := now.AddDate(0, 0, e.cfg.MaxDeliveryDays)
	link.MaxDeliveryAt = &maxDelivery
	if err := link.Transition(peacelink.StatusSphActive); err != nil {
		return nil, err
	}

	if link.AdvancePercentage.IsPositive() {
		if err := e.advancePayout(ctx, link); err != nil {
			operationsTotal.WithLabelValues("approve", "error").Inc()
			return nil, err
		}
	}

	if err := e.persistAfterFunds(ctx, link, "approval"); err != nil {
		operationsTotal.WithLabelValues("approve", "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("approve", "ok").Inc()

	if e.emitter != nil {
		e.emitter.EmitLinkApproved(link.MerchantID, link.ID, buyerID, link.TotalAmount.StringFixed(2))
	}
	return link, nil
}

// advancePayout pays the merchant their pre-delivery advance, net of the
// percentage-only advance fee. The fixed fee waits for final release.
func (e *Engine) advancePayout(ctx context.Context, link *peacelink.Link) error {
	bd := fees.AdvanceFee(link.FeeSnapshot, link.AdvanceAmount)

	if err := e.wallets.Credit(ctx, link.MerchantID, bd.Net); err != nil {
		return fmt.Errorf("failed to credit advance: %w", err)
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       link.ID,
		CreditWalletID: link.MerchantID,
		Amount:         bd.Net,
		Type:           ledger.TypeAdvancePayout,
		Description:    fmt.Sprintf("advance payout for %s", link.Reference),
		IdempotencyKey: "advance:" + link.ID,
	}); err != nil {
		return fmt.Errorf("failed to record advance payout: %w", err)
	}

	// Profit recognition is real-time, never deferred to a batch job.
	e.creditPlatformFee(ctx, link.ID, bd.TotalFee, "advance_fee:"+link.ID,
		fmt.Sprintf("advance fee for %s", link.Reference))

	link.AdvancePaid = true

	if err := e.payouts.Create(ctx, NewPayout(link.ID, link.MerchantID, RecipientMerchant, PayoutAdvance, bd.Gross, bd.TotalFee, bd.Net)); err != nil {
		logging.L(ctx).Warn("failed to record advance payout row", "link", link.ID, "error", err)
	}
	return nil
}

// creditPlatformFee moves fee revenue into the platform wallet and
// records it. Failures are logged, not propagated: the payout itself has
// already happened and a missed platform credit is recoverable from the
// ledger.
func (e *Engine) creditPlatformFee(ctx context.Context, escrowID string, fee decimal.Decimal, idemKey, desc string) {
	if !fee.IsPositive() {
		return
	}
	if err := e.wallets.CreditPlatform(ctx, fee); err != nil {
		logging.L(ctx).Error("CRITICAL: platform fee credit failed", "escrow", escrowID, "fee", fee, "error", err)
		return
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       escrowID,
		PlatformWallet: wallet.ProfitWallet,
		Amount:         fee,
		Type:           ledger.TypePlatformFee,
		Description:    desc,
		IdempotencyKey: idemKey,
	}); err != nil {
		logging.L(ctx).Error("platform fee credited but ledger entry failed", "escrow", escrowID, "error", err)
		return
	}
	f, _ := fee.Float64()
	platformRevenue.Add(f)
}

// persistAfterFunds updates the link after money has already moved.
// Retries once; if the update still fails the funds cannot be safely
// reversed, so log for manual resolution instead of guessing at
// compensation.
func (e *Engine) persistAfterFunds(ctx context.Context, link *peacelink.Link, op string) error {
	if err := e.links.Update(ctx, link); err != nil {
		if retryErr := e.links.Update(ctx, link); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: funds moved but status update failed",
				"link", link.ID, "operation", op, "status", link.Status, "error", retryErr)
			return fmt.Errorf("failed to update peacelink after %s (requires manual resolution): %w", op, err)
		}
	}
	return nil
}

// Get returns a link by ID.
func (e *Engine) Get(ctx context.Context, id string) (*peacelink.Link, error) {
	return e.links.Get(ctx, id)
}

// GetByReference returns a link by its public reference.
func (e *Engine) GetByReference(ctx context.Context, reference string) (*peacelink.Link, error) {
	return e.links.GetByReference(ctx, reference)
}

// ListByMerchant returns a merchant's links, newest first.
func (e *Engine) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*peacelink.Link, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.links.ListByMerchant(ctx, merchantID, limit)
}

// ListByBuyer returns a buyer's links, newest first.
func (e *Engine) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*peacelink.Link, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.links.ListByBuyer(ctx, buyerID, limit)
}

// ListByDsp returns a delivery partner's links, newest first.
func (e *Engine) ListByDsp(ctx context.Context, dspID string, limit int) ([]*peacelink.Link, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.links.ListByDsp(ctx, dspID, limit)
}

// Payouts returns the payout rows recorded for a link.
func (e *Engine) Payouts(ctx context.Context, escrowID string) ([]*Payout, error) {
	return e.payouts.ListByEscrow(ctx, escrowID)
}

// OpenFlags returns unresolved reconciliation flags.
func (e *Engine) OpenFlags(ctx context.Context, limit int) ([]*ReconciliationFlag, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.flags.ListOpen(ctx, limit)
}

// ResolveFlag marks a reconciliation flag handled.
func (e *Engine) ResolveFlag(ctx context.Context, id, resolvedBy string) error {
	return e.flags.Resolve(ctx, id, resolvedBy)
}
