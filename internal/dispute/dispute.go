// Package dispute manages the dispute lifecycle over escrowed links.
//
// Opening a dispute freezes settlement on the link; an admin resolution
// releases the held funds to the buyer, the merchant, or a split of the
// two. The money movement itself lives in the settlement engine; this
// package owns the dispute record and its workflow.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/idgen"
	"github.com/peacepay/peacelink/internal/notify"
	"github.com/peacepay/peacelink/internal/settlement"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrAlreadyOpen     = errors.New("link already has an open dispute")
	ErrNotOpen         = errors.New("dispute is not open for resolution")
)

var resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peacepay",
	Subsystem: "dispute",
	Name:      "resolutions_total",
	Help:      "Dispute resolutions by outcome.",
}, []string{"resolution"})

func init() {
	prometheus.MustRegister(resolutionsTotal)
}

// Status is the lifecycle of a dispute record.
type Status string

const (
	StatusOpen             Status = "open"
	StatusUnderReview      Status = "under_review"
	StatusResolvedBuyer    Status = "resolved_buyer"
	StatusResolvedMerchant Status = "resolved_merchant"
	StatusResolvedSplit    Status = "resolved_split"
)

// Resolved reports whether the dispute reached a terminal status.
func (s Status) Resolved() bool {
	switch s {
	case StatusResolvedBuyer, StatusResolvedMerchant, StatusResolvedSplit:
		return true
	}
	return false
}

// Dispute is one conflict raised over an escrowed link.
type Dispute struct {
	ID             string          `json:"id"`
	EscrowID       string          `json:"escrowId"`
	OpenedBy       string          `json:"openedBy"`
	Reason         string          `json:"reason"`
	Status         Status          `json:"status"`
	BuyerAmount    decimal.Decimal `json:"buyerAmount"`
	MerchantAmount decimal.Decimal `json:"merchantAmount"`
	DspAmount      decimal.Decimal `json:"dspAmount"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}

// Service runs the dispute workflow on top of the settlement engine.
type Service struct {
	store   Store
	engine  *settlement.Engine
	emitter *notify.Emitter
	locks   sync.Map
}

func NewService(store Store, engine *settlement.Engine) *Service {
	return &Service{store: store, engine: engine}
}

// WithEmitter attaches a notification emitter.
func (s *Service) WithEmitter(em *notify.Emitter) *Service {
	s.emitter = em
	return s
}

func (s *Service) lock(escrowID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(escrowID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Open raises a dispute and freezes the link.
func (s *Service) Open(ctx context.Context, escrowID, openedBy, reason string) (*Dispute, error) {
	mu := s.lock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetOpenByEscrow(ctx, escrowID); err == nil {
		return nil, ErrAlreadyOpen
	}

	link, err := s.engine.OpenDispute(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:        idgen.WithPrefix("dp_"),
		EscrowID:  escrowID,
		OpenedBy:  openedBy,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to persist dispute: %w", err)
	}

	s.emitter.EmitDisputeOpened(link.MerchantID, link.ID, d.ID, reason)
	return d, nil
}

// MarkUnderReview flags an open dispute as being actively reviewed.
func (s *Service) MarkUnderReview(ctx context.Context, id, adminID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrNotOpen
	}
	d.Status = StatusUnderReview
	d.ResolvedBy = adminID
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ReleaseToBuyer resolves fully in the buyer's favor.
func (s *Service) ReleaseToBuyer(ctx context.Context, id, adminID string) (*Dispute, error) {
	return s.resolve(ctx, id, adminID, settlement.ResolveBuyer, decimal.Zero, StatusResolvedBuyer)
}

// ReleaseToMerchant resolves fully in the merchant's favor.
func (s *Service) ReleaseToMerchant(ctx context.Context, id, adminID string) (*Dispute, error) {
	return s.resolve(ctx, id, adminID, settlement.ResolveMerchant, decimal.Zero, StatusResolvedMerchant)
}

// ResolveWithSplit divides the item amount, giving buyerPercentage of it
// back to the buyer.
func (s *Service) ResolveWithSplit(ctx context.Context, id, adminID string, buyerPercentage decimal.Decimal) (*Dispute, error) {
	return s.resolve(ctx, id, adminID, settlement.ResolveSplit, buyerPercentage, StatusResolvedSplit)
}

func (s *Service) resolve(ctx context.Context, id, adminID string, res settlement.Resolution, buyerPercentage decimal.Decimal, final Status) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	mu := s.lock(d.EscrowID)
	mu.Lock()
	defer mu.Unlock()

	d, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.Resolved() {
		return nil, ErrNotOpen
	}

	outcome, err := s.engine.ResolveDispute(ctx, d.EscrowID, res, buyerPercentage)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d.Status = final
	d.BuyerAmount = outcome.BuyerAmount.Add(outcome.DeliveryRefund)
	d.MerchantAmount = outcome.MerchantNet
	d.DspAmount = outcome.DspNet
	d.ResolvedBy = adminID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("dispute resolved but record update failed: %w", err)
	}

	resolutionsTotal.WithLabelValues(string(final)).Inc()
	s.emitter.EmitDisputeResolved(outcome.Link.MerchantID, outcome.Link.BuyerID,
		d.EscrowID, d.ID, string(final),
		d.BuyerAmount.StringFixed(2), d.MerchantAmount.StringFixed(2))
	return d, nil
}

// Get returns one dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns all disputes raised on a link.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

// ListOpen returns unresolved disputes for the admin queue.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	return s.store.ListOpen(ctx, limit)
}
