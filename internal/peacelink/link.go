// Package peacelink owns the escrow transaction aggregate and its
// lifecycle state machine.
//
// Flow:
//  1. Merchant creates a link → buyer is invited by phone
//  2. Buyer approves → funds debited and held (SPH)
//  3. Merchant assigns a delivery partner → OTP issued for handover
//  4. DSP delivers, OTP verified → funds released to merchant and DSP
//  5. Cancellation or dispute → refund computed per the settlement rules
//
// The aggregate is the sole owner of its OTP secret and status. Wallets
// are referenced by ID, never embedded.
package peacelink

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/fees"
)

var (
	ErrLinkNotFound     = errors.New("peacelink not found")
	ErrVersionConflict  = errors.New("peacelink was modified concurrently")
	ErrReferenceTaken   = errors.New("reference already in use")
	ErrReassignLimit    = errors.New("dsp reassignment limit reached")
	ErrOtpNotGenerated  = errors.New("no otp has been generated")
	ErrOtpExpired       = errors.New("otp expired")
	ErrOtpAttemptsUsed  = errors.New("otp attempts exhausted")
	ErrOtpMismatch      = errors.New("otp does not match")
	ErrOtpAlreadyUsed   = errors.New("otp already verified")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Status is the lifecycle state of a PeaceLink. Exactly one holds at any
// time; transitions follow the table below and nothing else.
type Status string

const (
	StatusCreated         Status = "created"
	StatusPendingApproval Status = "pending_approval"
	StatusSphActive       Status = "sph_active"
	StatusDspAssigned     Status = "dsp_assigned"
	StatusOtpGenerated    Status = "otp_generated"
	StatusInTransit       Status = "in_transit"
	StatusDelivered       Status = "delivered"
	StatusCanceled        Status = "canceled"
	StatusExpired         Status = "expired"
	StatusActiveDispute   Status = "active_dispute"
	StatusDisputeResolved Status = "dispute_resolved"
)

// transitions is the directed lifecycle graph. The only back-edge is
// dsp_assigned -> sph_active, taken when a DSP is removed and the link
// reopens for reassignment.
var transitions = map[Status][]Status{
	StatusCreated:         {StatusPendingApproval, StatusCanceled, StatusExpired},
	StatusPendingApproval: {StatusSphActive, StatusCanceled, StatusExpired},
	StatusSphActive:       {StatusDspAssigned, StatusCanceled, StatusActiveDispute},
	StatusDspAssigned:     {StatusOtpGenerated, StatusSphActive, StatusCanceled, StatusActiveDispute},
	StatusOtpGenerated:    {StatusInTransit, StatusDelivered, StatusCanceled, StatusActiveDispute},
	StatusInTransit:       {StatusDelivered, StatusActiveDispute},
	StatusDelivered:       {StatusActiveDispute},
	StatusActiveDispute:   {StatusDisputeResolved},
	StatusCanceled:        nil,
	StatusExpired:         nil,
	StatusDisputeResolved: nil,
}

// CanTransitionTo reports whether the lifecycle graph has an edge s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transitions leave this status.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// StateTransitionError reports a rejected lifecycle transition. The
// operation that produced it performed zero mutations.
type StateTransitionError struct {
	From Status
	To   Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot transition peacelink from %s to %s", e.From, e.To)
}

// CanceledBy identifies which actor canceled a link.
type CanceledBy string

const (
	CanceledByBuyer    CanceledBy = "buyer"
	CanceledByMerchant CanceledBy = "merchant"
	CanceledByDsp      CanceledBy = "dsp"
	CanceledByAdmin    CanceledBy = "admin"
	CanceledBySystem   CanceledBy = "system"
)

// Link is the escrow transaction aggregate (a "PeaceLink").
type Link struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`

	MerchantID       string `json:"merchantId"`
	BuyerID          string `json:"buyerId,omitempty"` // set at approval
	BuyerPhone       string `json:"buyerPhone"`
	DspID            string `json:"dspId,omitempty"`
	AssignedDriverID string `json:"assignedDriverId,omitempty"`

	ItemAmount        decimal.Decimal `json:"itemAmount"`
	DeliveryFee       decimal.Decimal `json:"deliveryFee"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	AdvancePercentage decimal.Decimal `json:"advancePercentage"`
	AdvanceAmount     decimal.Decimal `json:"advanceAmount"`
	BuyerPaysDelivery bool            `json:"buyerPaysDelivery"`
	AdvancePaid       bool            `json:"advancePaid"`

	// FeeSnapshot is captured at creation and immutable after. Later
	// schedule changes never affect an in-flight link.
	FeeSnapshot fees.Rates `json:"feeSnapshot"`

	Status Status `json:"status"`

	OtpHash        string     `json:"-"`
	OtpGeneratedAt *time.Time `json:"otpGeneratedAt,omitempty"`
	OtpExpiresAt   *time.Time `json:"otpExpiresAt,omitempty"`
	OtpAttempts    int        `json:"otpAttempts"`
	OtpVerifiedAt  *time.Time `json:"otpVerifiedAt,omitempty"`
	OtpVerifiedBy  string     `json:"otpVerifiedBy,omitempty"`

	ExpiresAt     *time.Time `json:"expiresAt,omitempty"` // approval deadline
	MaxDeliveryAt *time.Time `json:"maxDeliveryAt,omitempty"`
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"`
	DspAssignedAt *time.Time `json:"dspAssignedAt,omitempty"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	CanceledAt    *time.Time `json:"canceledAt,omitempty"`

	CanceledBy         CanceledBy `json:"canceledBy,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`

	DspReassignments int `json:"dspReassignments"`

	// Version guards concurrent writers; Store.Update fails with
	// ErrVersionConflict when the stored version moved.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the link is in a final state.
func (l *Link) IsTerminal() bool {
	return l.Status.IsTerminal()
}

// Transition moves the link to the target status, rejecting edges not in
// the lifecycle graph.
func (l *Link) Transition(to Status) error {
	if !l.Status.CanTransitionTo(to) {
		return &StateTransitionError{From: l.Status, To: to}
	}
	l.Status = to
	return nil
}

// CanApprove reports whether the buyer may still approve the link.
func (l *Link) CanApprove(now time.Time) bool {
	if l.Status != StatusPendingApproval {
		return false
	}
	return l.ExpiresAt == nil || now.Before(*l.ExpiresAt)
}

// CanAssignDsp reports whether a first DSP assignment is allowed.
func (l *Link) CanAssignDsp() bool {
	return l.Status == StatusSphActive
}

// CanReassignDsp reports whether the current DSP may be replaced. The OTP
// must be unused and the reassignment cap not reached.
func (l *Link) CanReassignDsp(maxReassignments int) bool {
	return l.Status == StatusDspAssigned &&
		l.OtpVerifiedAt == nil &&
		l.DspReassignments < maxReassignments
}

// CanConfirmDelivery reports whether delivery confirmation is possible.
func (l *Link) CanConfirmDelivery() bool {
	switch l.Status {
	case StatusDspAssigned, StatusOtpGenerated, StatusInTransit:
		return l.OtpHash != ""
	}
	return false
}

// CanCancel reports whether the link may still be canceled.
func (l *Link) CanCancel() bool {
	switch l.Status {
	case StatusDelivered, StatusCanceled, StatusExpired, StatusDisputeResolved, StatusActiveDispute:
		return false
	}
	return true
}

// CanOpenDispute reports whether a dispute may be opened.
func (l *Link) CanOpenDispute() bool {
	switch l.Status {
	case StatusSphActive, StatusDspAssigned, StatusOtpGenerated, StatusInTransit, StatusDelivered:
		return true
	}
	return false
}

// RemainingAmount is the item amount still owed to the merchant at final
// release, after any advance already paid out.
func (l *Link) RemainingAmount() decimal.Decimal {
	if l.AdvancePaid {
		return l.ItemAmount.Sub(l.AdvanceAmount)
	}
	return l.ItemAmount
}

// Validate checks the amount invariants on a new link.
func (l *Link) Validate() error {
	if l.ItemAmount.IsNegative() || l.DeliveryFee.IsNegative() {
		return fmt.Errorf("%w: amounts must be non-negative", ErrInvalidAmount)
	}
	if !l.ItemAmount.IsPositive() {
		return fmt.Errorf("%w: item amount must be positive", ErrInvalidAmount)
	}
	if l.AdvancePercentage.IsNegative() || l.AdvancePercentage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: advance percentage must be within [0,100]", ErrInvalidAmount)
	}
	if l.AdvanceAmount.GreaterThan(l.ItemAmount) {
		return fmt.Errorf("%w: advance cannot exceed item amount", ErrInvalidAmount)
	}
	return nil
}

// NewID returns a fresh link primary key.
func NewID() string {
	return uuid.NewString()
}
