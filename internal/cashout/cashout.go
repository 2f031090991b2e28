// Package cashout handles withdrawal requests from user wallets.
//
// Both the principal and the cashout fee are debited when the request is
// made, not when an admin approves it. Approval is an audit step only;
// rejection reverses the whole debit, fee included.
package cashout

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/peacepay/peacelink/internal/wallet"
)

var (
	ErrRequestNotFound = errors.New("cashout request not found")
	ErrInvalidAmount   = errors.New("cashout amount must be positive")
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peacepay",
	Subsystem: "cashout",
	Name:      "requests_total",
	Help:      "Cashout requests by outcome status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Status is the lifecycle of a cashout request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusRejected},
	StatusApproved:   {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// StatusError reports a request in the wrong status for an operation.
type StatusError struct {
	From Status
	To   Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid cashout transition from %s to %s", e.From, e.To)
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is one withdrawal request against a user wallet.
type Request struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Total         decimal.Decimal `json:"total"` // amount + fee, debited at request time
	Status        Status          `json:"status"`
	DecidedBy     string          `json:"decidedBy,omitempty"`
	DecidedAt     *time.Time      `json:"decidedAt,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store persists cashout requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
}

// Engine executes the cashout workflow against wallets and the ledger.
type Engine struct {
	store    Store
	ledger   *ledger.Ledger
	wallets  *wallet.Service
	schedule *fees.Schedule
	emitter  *notify.Emitter
	locks    sync.Map // per-request locks
}

func NewEngine(store Store, led *ledger.Ledger, wallets *wallet.Service, schedule *fees.Schedule) *Engine {
	return &Engine{store: store, ledger: led, wallets: wallets, schedule: schedule}
}

// WithEmitter attaches a notification emitter.
func (e *Engine) WithEmitter(em *notify.Emitter) *Engine {
	e.emitter = em
	return e
}

func (e *Engine) lock(id string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateRequest debits amount plus fee from the user wallet and opens a
// pending request. The fee is the platform's immediately, so the profit
// wallet is credited here rather than at approval.
func (e *Engine) CreateRequest(ctx context.Context, userID, amount string) (*Request, error) {
	amt, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}
	if !amt.IsPositive() {
		return nil, ErrInvalidAmount
	}

	b := fees.CashoutFee(e.schedule.Current(), amt)
	total := amt.Add(b.TotalFee)

	req := &Request{
		ID:        idgen.WithPrefix("co_"),
		UserID:    userID,
		Amount:    amt,
		Fee:       b.TotalFee,
		Total:     total,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := e.wallets.Debit(ctx, userID, total); err != nil {
		return nil, err
	}

	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		DebitWalletID:  userID,
		Amount:         total,
		Type:           ledger.TypeCashoutRequest,
		Description:    fmt.Sprintf("cashout request %s", req.ID),
		IdempotencyKey: "cashout:" + req.ID,
	}); err != nil {
		if cerr := e.wallets.Credit(ctx, userID, total); cerr != nil {
			logging.L(ctx).Error("CRITICAL: cashout debit reversal failed", "request", req.ID, "user", userID, "amount", total, "error", cerr)
		}
		return nil, fmt.Errorf("failed to record cashout debit: %w", err)
	}

	e.creditPlatformFee(ctx, req, b.TotalFee)

	if err := e.store.Create(ctx, req); err != nil {
		logging.L(ctx).Error("CRITICAL: cashout funds moved but request not persisted", "request", req.ID, "user", userID, "error", err)
		return nil, fmt.Errorf("failed to persist cashout request: %w", err)
	}

	requestsTotal.WithLabelValues(string(StatusPending)).Inc()
	e.emitter.EmitCashoutRequested(req.UserID, req.ID, req.Amount.String(), req.Fee.String())
	return req, nil
}

// Approve moves a pending request to approved. Audit only: the money
// already moved when the request was created.
func (e *Engine) Approve(ctx context.Context, id, adminID string) (*Request, error) {
	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(req.Status, StatusApproved) {
		return nil, &StatusError{From: req.Status, To: StatusApproved}
	}

	now := time.Now().UTC()
	req.Status = StatusApproved
	req.DecidedBy = adminID
	req.DecidedAt = &now
	req.UpdatedAt = now
	if err := e.store.Update(ctx, req); err != nil {
		return nil, err
	}

	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		DebitWalletID:  req.UserID,
		Amount:         req.Amount,
		Type:           ledger.TypeCashoutApproved,
		Description:    fmt.Sprintf("cashout %s approved by %s", req.ID, adminID),
		IdempotencyKey: "cashout_approved:" + req.ID,
	}); err != nil {
		logging.L(ctx).Error("cashout approval audit entry failed", "request", req.ID, "error", err)
	}

	requestsTotal.WithLabelValues(string(StatusApproved)).Inc()
	e.emitter.EmitCashoutApproved(req.UserID, req.ID)
	return req, nil
}

// Reject refunds the full debit, fee included, and reverses the platform
// fee credit. Only pending requests can be rejected.
func (e *Engine) Reject(ctx context.Context, id, adminID, reason string) (*Request, error) {
	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(req.Status, StatusRejected) {
		return nil, &StatusError{From: req.Status, To: StatusRejected}
	}

	if err := e.refund(ctx, req, "cashout_refund:"+req.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req.Status = StatusRejected
	req.DecidedBy = adminID
	req.DecidedAt = &now
	req.Reason = reason
	req.UpdatedAt = now
	if err := e.store.Update(ctx, req); err != nil {
		logging.L(ctx).Error("CRITICAL: cashout refunded but request not persisted", "request", req.ID, "error", err)
		return nil, err
	}

	requestsTotal.WithLabelValues(string(StatusRejected)).Inc()
	e.emitter.EmitCashoutRejected(req.UserID, req.ID, req.Total.String(), reason)
	return req, nil
}

// MarkProcessing records that the payout rails picked up an approved
// request.
func (e *Engine) MarkProcessing(ctx context.Context, id string) (*Request, error) {
	return e.advance(ctx, id, StatusProcessing, "")
}

// MarkCompleted records a successful disbursement.
func (e *Engine) MarkCompleted(ctx context.Context, id string) (*Request, error) {
	req, err := e.advance(ctx, id, StatusCompleted, "")
	if err != nil {
		return nil, err
	}
	e.emitter.EmitCashoutCompleted(req.UserID, req.ID)
	return req, nil
}

// MarkFailed records a rails failure and refunds the user in full, the
// same reversal a rejection performs.
func (e *Engine) MarkFailed(ctx context.Context, id, reason string) (*Request, error) {
	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(req.Status, StatusFailed) {
		return nil, &StatusError{From: req.Status, To: StatusFailed}
	}

	if err := e.refund(ctx, req, "cashout_failed_refund:"+req.ID); err != nil {
		return nil, err
	}

	req.Status = StatusFailed
	req.FailureReason = reason
	req.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, req); err != nil {
		logging.L(ctx).Error("CRITICAL: cashout refunded but request not persisted", "request", req.ID, "error", err)
		return nil, err
	}

	requestsTotal.WithLabelValues(string(StatusFailed)).Inc()
	return req, nil
}

func (e *Engine) advance(ctx context.Context, id string, to Status, reason string) (*Request, error) {
	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(req.Status, to) {
		return nil, &StatusError{From: req.Status, To: to}
	}
	req.Status = to
	req.FailureReason = reason
	req.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, req); err != nil {
		return nil, err
	}
	requestsTotal.WithLabelValues(string(to)).Inc()
	return req, nil
}

// refund credits the full debit back to the user and pulls the fee back
// out of the profit wallet.
func (e *Engine) refund(ctx context.Context, req *Request, idemKey string) error {
	if err := e.wallets.Credit(ctx, req.UserID, req.Total); err != nil {
		return fmt.Errorf("failed to refund cashout: %w", err)
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		CreditWalletID: req.UserID,
		Amount:         req.Total,
		Type:           ledger.TypeCashoutRefund,
		Description:    fmt.Sprintf("cashout %s refunded", req.ID),
		IdempotencyKey: idemKey,
	}); err != nil {
		logging.L(ctx).Error("cashout refunded but ledger entry failed", "request", req.ID, "error", err)
	}
	if req.Fee.IsPositive() {
		if err := e.wallets.DebitPlatform(ctx, req.Fee); err != nil {
			logging.L(ctx).Error("CRITICAL: cashout fee reversal failed", "request", req.ID, "fee", req.Fee, "error", err)
		}
	}
	return nil
}

func (e *Engine) creditPlatformFee(ctx context.Context, req *Request, fee decimal.Decimal) {
	if !fee.IsPositive() {
		return
	}
	if err := e.wallets.CreditPlatform(ctx, fee); err != nil {
		logging.L(ctx).Error("CRITICAL: cashout fee credit failed", "request", req.ID, "fee", fee, "error", err)
		return
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		PlatformWallet: wallet.ProfitWallet,
		Amount:         fee,
		Type:           ledger.TypePlatformFee,
		Description:    fmt.Sprintf("cashout fee for %s", req.ID),
		IdempotencyKey: "cashout_fee:" + req.ID,
	}); err != nil {
		logging.L(ctx).Error("cashout fee credited but ledger entry failed", "request", req.ID, "error", err)
	}
}

// Get returns one request by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	return e.store.Get(ctx, id)
}

// ListByUser returns a user's requests, newest first.
func (e *Engine) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	return e.store.ListByUser(ctx, userID, limit)
}

// ListPending returns requests awaiting an admin decision.
func (e *Engine) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	return e.store.ListByStatus(ctx, StatusPending, limit)
}
