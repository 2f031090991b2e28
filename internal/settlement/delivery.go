package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/fees"
	"github.com/peacepay/peacelink/internal/ledger"
	"github.com/peacepay/peacelink/internal/logging"
	"github.com/peacepay/peacelink/internal/peacelink"
	"github.com/peacepay/peacelink/internal/wallet"
)

// AssignResult is returned from AssignDsp. Otp carries the plaintext
// handover code exactly once, for out-of-band delivery to the buyer; it
// is never persisted and never returned again.
type AssignResult struct {
	Link *peacelink.Link
	Otp  string
}

// AssignDsp attaches a delivery partner to an active link and issues the
// handover OTP. Replacing an already-assigned DSP counts against the
// reassignment cap; the first assignment does not.
func (e *Engine) AssignDsp(ctx context.Context, id, dspID, driverID string) (*AssignResult, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var previousDsp string

	switch {
	case link.CanAssignDsp():
		if err := link.Transition(peacelink.StatusDspAssigned); err != nil {
			return nil, err
		}
	case link.Status == peacelink.StatusDspAssigned:
		if !link.CanReassignDsp(e.cfg.MaxReassignments) {
			operationsTotal.WithLabelValues("assign_dsp", "rejected").Inc()
			if link.DspReassignments >= e.cfg.MaxReassignments {
				return nil, peacelink.ErrReassignLimit
			}
			return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusDspAssigned}
		}
		previousDsp = link.DspID
		link.DspReassignments++
	default:
		operationsTotal.WithLabelValues("assign_dsp", "rejected").Inc()
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusDspAssigned}
	}

	link.DspID = dspID
	link.AssignedDriverID = driverID
	link.DspAssignedAt = &now
	otp := link.GenerateOtp(e.cfg.OtpDigits, e.cfg.OtpTTL, now)

	if err := e.links.Update(ctx, link); err != nil {
		operationsTotal.WithLabelValues("assign_dsp", "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("assign_dsp", "ok").Inc()

	if e.emitter != nil {
		e.emitter.EmitDspAssigned(dspID, link.ID, link.MerchantID)
		if previousDsp != "" {
			e.emitter.EmitDspReassigned(previousDsp, link.ID, "replaced by merchant")
		}
		if link.BuyerID != "" && link.OtpExpiresAt != nil {
			e.emitter.EmitOtpGenerated(link.BuyerID, link.ID, *link.OtpExpiresAt)
		}
	}
	return &AssignResult{Link: link, Otp: otp}, nil
}

// RegenerateOtp replaces a stale or exhausted handover code. The link
// moves to otp_generated and attempts reset.
func (e *Engine) RegenerateOtp(ctx context.Context, id string) (*AssignResult, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.OtpVerifiedAt != nil {
		return nil, peacelink.ErrOtpAlreadyUsed
	}

	now := time.Now().UTC()
	if link.Status == peacelink.StatusDspAssigned {
		if err := link.Transition(peacelink.StatusOtpGenerated); err != nil {
			return nil, err
		}
	} else if link.Status != peacelink.StatusOtpGenerated {
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusOtpGenerated}
	}

	otp := link.GenerateOtp(e.cfg.OtpDigits, e.cfg.OtpTTL, now)
	if err := e.links.Update(ctx, link); err != nil {
		return nil, err
	}

	if e.emitter != nil && link.BuyerID != "" && link.OtpExpiresAt != nil {
		e.emitter.EmitOtpGenerated(link.BuyerID, link.ID, *link.OtpExpiresAt)
	}
	return &AssignResult{Link: link, Otp: otp}, nil
}

// MarkInTransit records that the DSP picked up the goods.
func (e *Engine) MarkInTransit(ctx context.Context, id, dspID string) (*peacelink.Link, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.DspID != dspID {
		return nil, fmt.Errorf("dsp %s is not assigned to this peacelink", dspID)
	}

	// A pickup straight from dsp_assigned passes through otp_generated.
	if link.Status == peacelink.StatusDspAssigned {
		if err := link.Transition(peacelink.StatusOtpGenerated); err != nil {
			return nil, err
		}
	}
	if err := link.Transition(peacelink.StatusInTransit); err != nil {
		return nil, err
	}
	if err := e.links.Update(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// ConfirmDelivery verifies the buyer's handover OTP and executes the
// final release: the remaining item amount is settled to the merchant
// net of the full merchant fee (fixed component included), and the DSP
// is paid its delivery fee.
func (e *Engine) ConfirmDelivery(ctx context.Context, id, verifierID, otpCode string) (*peacelink.Link, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !link.CanConfirmDelivery() {
		operationsTotal.WithLabelValues("confirm_delivery", "rejected").Inc()
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusDelivered}
	}

	now := time.Now().UTC()
	if err := link.VerifyOtp(otpCode, verifierID, e.cfg.OtpMaxAttempts, now); err != nil {
		// A mismatch consumed an attempt; persist the counter so retries
		// across requests stay bounded.
		if errors.Is(err, peacelink.ErrOtpMismatch) {
			if updErr := e.links.Update(ctx, link); updErr != nil {
				logging.L(ctx).Warn("failed to persist otp attempt", "link", link.ID, "error", updErr)
			}
		}
		operationsTotal.WithLabelValues("confirm_delivery", "otp_rejected").Inc()
		return nil, err
	}

	remaining := link.RemainingAmount()
	bd := fees.MerchantFee(link.FeeSnapshot, remaining, false)

	if err := e.wallets.Credit(ctx, link.MerchantID, bd.Net); err != nil {
		operationsTotal.WithLabelValues("confirm_delivery", "error").Inc()
		return nil, fmt.Errorf("failed to credit merchant: %w", err)
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       link.ID,
		CreditWalletID: link.MerchantID,
		Amount:         bd.Net,
		Type:           ledger.TypeMerchantPayout,
		Description:    fmt.Sprintf("final release for %s", link.Reference),
		IdempotencyKey: "merchant_payout:" + link.ID,
	}); err != nil {
		if compErr := e.wallets.Debit(ctx, link.MerchantID, bd.Net); compErr != nil {
			logging.L(ctx).Error("CRITICAL: merchant credited but payout entry and reversal both failed",
				"link", link.ID, "merchant", link.MerchantID, "amount", bd.Net, "error", compErr)
		}
		operationsTotal.WithLabelValues("confirm_delivery", "error").Inc()
		return nil, fmt.Errorf("failed to record merchant payout: %w", err)
	}
	e.creditPlatformFee(ctx, link.ID, bd.TotalFee, "merchant_fee:"+link.ID,
		fmt.Sprintf("final release fee for %s", link.Reference))

	if err := e.payouts.Create(ctx, NewPayout(link.ID, link.MerchantID, RecipientMerchant, PayoutFinalRelease, bd.Gross, bd.TotalFee, bd.Net)); err != nil {
		logging.L(ctx).Warn("failed to record merchant payout row", "link", link.ID, "error", err)
	}

	dspNet, err := e.dspPayout(ctx, link)
	if err != nil {
		operationsTotal.WithLabelValues("confirm_delivery", "error").Inc()
		return nil, err
	}

	if link.Status == peacelink.StatusDspAssigned {
		if err := link.Transition(peacelink.StatusOtpGenerated); err != nil {
			return nil, err
		}
	}
	if err := link.Transition(peacelink.StatusDelivered); err != nil {
		return nil, err
	}
	link.DeliveredAt = &now

	if err := e.persistAfterFunds(ctx, link, "delivery confirmation"); err != nil {
		operationsTotal.WithLabelValues("confirm_delivery", "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("confirm_delivery", "ok").Inc()

	if e.emitter != nil {
		e.emitter.EmitDeliveryConfirmed(link.MerchantID, link.ID, bd.Net.StringFixed(2), dspNet.StringFixed(2))
	}
	return link, nil
}

// dspPayout settles the delivery fee to the assigned DSP, net of the DSP
// rate, crediting the platform the difference. No-op without a DSP.
// Idempotency keys make this safe to reach from both delivery and
// cancellation paths; the fee settles at most once.
func (e *Engine) dspPayout(ctx context.Context, link *peacelink.Link) (decimal.Decimal, error) {
	if link.DspID == "" || !link.DeliveryFee.IsPositive() {
		return decimal.Zero, nil
	}
	bd := fees.DspFee(link.FeeSnapshot, link.DeliveryFee)

	// When the merchant carries the delivery cost, it is collected from
	// their wallet here; a buyer-paid fee is already part of the hold.
	if !link.BuyerPaysDelivery {
		if err := e.wallets.Debit(ctx, link.MerchantID, bd.Gross); err != nil {
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				if ferr := e.flags.Create(ctx, NewFlag(link.ID, link.MerchantID, bd.Gross, FlagDspFeeChargeSkipped)); ferr != nil {
					logging.L(ctx).Error("failed to record reconciliation flag", "link", link.ID, "error", ferr)
				}
				logging.L(ctx).Warn("merchant delivery charge skipped, flagged for reconciliation",
					"link", link.ID, "merchant", link.MerchantID, "amount", bd.Gross)
			} else {
				return decimal.Zero, fmt.Errorf("failed to charge merchant delivery fee: %w", err)
			}
		} else {
			if _, err := e.ledger.Record(ctx, &ledger.Entry{
				EscrowID:       link.ID,
				DebitWalletID:  link.MerchantID,
				Amount:         bd.Gross,
				Type:           ledger.TypeDspFeeCharge,
				Description:    fmt.Sprintf("merchant delivery charge for %s", link.Reference),
				IdempotencyKey: "delivery_charge:" + link.ID,
			}); err != nil {
				return decimal.Zero, fmt.Errorf("failed to record delivery charge: %w", err)
			}
		}
	}

	if err := e.wallets.Credit(ctx, link.DspID, bd.Net); err != nil {
		return decimal.Zero, fmt.Errorf("failed to credit dsp: %w", err)
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       link.ID,
		CreditWalletID: link.DspID,
		Amount:         bd.Net,
		Type:           ledger.TypeDspPayout,
		Description:    fmt.Sprintf("delivery payout for %s", link.Reference),
		IdempotencyKey: "dsp_payout:" + link.ID,
	}); err != nil {
		if compErr := e.wallets.Debit(ctx, link.DspID, bd.Net); compErr != nil {
			logging.L(ctx).Error("CRITICAL: dsp credited but payout entry and reversal both failed",
				"link", link.ID, "dsp", link.DspID, "amount", bd.Net, "error", compErr)
		}
		return decimal.Zero, fmt.Errorf("failed to record dsp payout: %w", err)
	}
	e.creditPlatformFee(ctx, link.ID, bd.TotalFee, "dsp_fee:"+link.ID,
		fmt.Sprintf("delivery fee margin for %s", link.Reference))

	if err := e.payouts.Create(ctx, NewPayout(link.ID, link.DspID, RecipientDsp, PayoutDelivery, bd.Gross, bd.TotalFee, bd.Net)); err != nil {
		logging.L(ctx).Warn("failed to record dsp payout row", "link", link.ID, "error", err)
	}
	return bd.Net, nil
}
