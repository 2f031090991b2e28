package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/ledger"
	"github.com/peacepay/peacelink/internal/logging"
	"github.com/peacepay/peacelink/internal/peacelink"
	"github.com/peacepay/peacelink/internal/wallet"
)

// Cancel ends a link before delivery and settles the refund table for
// the canceling actor. A DSP-initiated cancellation is special: it never
// refunds, it removes the DSP and reopens the link for reassignment.
//
// A merchant-side debit (advance clawback, DSP fee charge) that the
// merchant's balance cannot cover is skipped and flagged for manual
// reconciliation; the buyer's refund is never blocked by merchant
// insolvency.
func (e *Engine) Cancel(ctx context.Context, id string, canceledBy peacelink.CanceledBy, reason string) (*peacelink.Link, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if canceledBy == peacelink.CanceledByDsp {
		return e.dspCancel(ctx, link, reason)
	}

	if !link.CanCancel() {
		operationsTotal.WithLabelValues("cancel", "rejected").Inc()
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusCanceled}
	}

	plan, err := CalculateRefund(link, canceledBy)
	if err != nil {
		operationsTotal.WithLabelValues("cancel", "rejected").Inc()
		return nil, err
	}

	// Money only moves if the buyer ever funded the escrow.
	funded := link.ApprovedAt != nil && link.BuyerID != ""
	var refunded string
	if funded {
		if plan.PayDsp {
			if _, err := e.dspPayout(ctx, link); err != nil {
				operationsTotal.WithLabelValues("cancel", "error").Inc()
				return nil, err
			}
		}
		if plan.ChargeMerchantDspFee {
			e.debitMerchantOrFlag(ctx, link, link.DeliveryFee, ledger.TypeDspFeeCharge,
				"cancel_dsp_fee:"+link.ID, FlagDspFeeChargeSkipped,
				fmt.Sprintf("dsp fee charged to merchant on cancellation of %s", link.Reference))
		}
		if plan.ClawBackAdvance {
			e.debitMerchantOrFlag(ctx, link, link.AdvanceAmount, ledger.TypeAdvanceRefund,
				"advance_refund:"+link.ID, FlagAdvanceClawbackSkipped,
				fmt.Sprintf("advance clawed back on cancellation of %s", link.Reference))
		}
		if plan.BuyerRefund.IsPositive() {
			if err := e.wallets.Credit(ctx, link.BuyerID, plan.BuyerRefund); err != nil {
				operationsTotal.WithLabelValues("cancel", "error").Inc()
				return nil, fmt.Errorf("failed to refund buyer: %w", err)
			}
			if _, err := e.ledger.Record(ctx, &ledger.Entry{
				EscrowID:       link.ID,
				CreditWalletID: link.BuyerID,
				Amount:         plan.BuyerRefund,
				Type:           ledger.TypeRefund,
				Description:    fmt.Sprintf("refund on cancellation of %s", link.Reference),
				IdempotencyKey: "refund:" + link.ID,
			}); err != nil {
				if compErr := e.wallets.Debit(ctx, link.BuyerID, plan.BuyerRefund); compErr != nil {
					logging.L(ctx).Error("CRITICAL: buyer refunded but refund entry and reversal both failed",
						"link", link.ID, "buyer", link.BuyerID, "amount", plan.BuyerRefund, "error", compErr)
				}
				operationsTotal.WithLabelValues("cancel", "error").Inc()
				return nil, fmt.Errorf("failed to record refund: %w", err)
			}
			if err := e.payouts.Create(ctx, NewPayout(link.ID, link.BuyerID, RecipientBuyer, PayoutRefund, plan.BuyerRefund, decimal.Zero, plan.BuyerRefund)); err != nil {
				logging.L(ctx).Warn("failed to record refund payout row", "link", link.ID, "error", err)
			}
			refunded = plan.BuyerRefund.StringFixed(2)
		}
	}

	now := time.Now().UTC()
	link.CanceledAt = &now
	link.CanceledBy = canceledBy
	link.CancellationReason = reason
	if err := link.Transition(peacelink.StatusCanceled); err != nil {
		return nil, err
	}

	if err := e.persistAfterFunds(ctx, link, "cancellation"); err != nil {
		operationsTotal.WithLabelValues("cancel", "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("cancel", "ok").Inc()

	if e.emitter != nil {
		e.emitter.EmitLinkCanceled(link.MerchantID, link.BuyerID, link.ID, string(canceledBy), refunded)
	}
	return link, nil
}

// dspCancel removes the DSP and reopens the link at sph_active. The
// reassignment counter does not move; the next assignment is a fresh
// one, not a merchant-driven replacement.
func (e *Engine) dspCancel(ctx context.Context, link *peacelink.Link, reason string) (*peacelink.Link, error) {
	if link.Status != peacelink.StatusDspAssigned {
		operationsTotal.WithLabelValues("cancel", "rejected").Inc()
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusSphActive}
	}

	previousDsp := link.DspID
	link.DspID = ""
	link.AssignedDriverID = ""
	link.DspAssignedAt = nil
	link.OtpHash = ""
	link.OtpGeneratedAt = nil
	link.OtpExpiresAt = nil
	link.OtpAttempts = 0
	if err := link.Transition(peacelink.StatusSphActive); err != nil {
		return nil, err
	}

	if err := e.links.Update(ctx, link); err != nil {
		operationsTotal.WithLabelValues("cancel", "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("cancel", "ok").Inc()

	if e.emitter != nil {
		e.emitter.EmitDspReassigned(previousDsp, link.ID, reason)
	}
	return link, nil
}

// debitMerchantOrFlag charges the merchant, or records a reconciliation
// flag when their balance cannot cover it. The shortfall never fails the
// caller; the buyer-side refund proceeds regardless.
func (e *Engine) debitMerchantOrFlag(ctx context.Context, link *peacelink.Link, amount decimal.Decimal, entryType ledger.EntryType, idemKey string, flagReason FlagReason, desc string) {
	if !amount.IsPositive() {
		return
	}
	if err := e.wallets.Debit(ctx, link.MerchantID, amount); err != nil {
		if !errors.Is(err, wallet.ErrInsufficientFunds) {
			logging.L(ctx).Error("merchant debit failed", "link", link.ID, "type", entryType, "error", err)
		}
		if ferr := e.flags.Create(ctx, NewFlag(link.ID, link.MerchantID, amount, flagReason)); ferr != nil {
			logging.L(ctx).Error("failed to record reconciliation flag", "link", link.ID, "error", ferr)
		}
		logging.L(ctx).Warn("merchant debit skipped, flagged for reconciliation",
			"link", link.ID, "merchant", link.MerchantID, "amount", amount, "reason", flagReason)
		return
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       link.ID,
		DebitWalletID:  link.MerchantID,
		Amount:         amount,
		Type:           entryType,
		Description:    desc,
		IdempotencyKey: idemKey,
	}); err != nil {
		logging.L(ctx).Error("merchant debited but ledger entry failed", "link", link.ID, "type", entryType, "error", err)
	}
}

// ExpireStale sweeps links whose approval deadline lapsed before any
// funds were held. No money moves; the link simply dies.
func (e *Engine) ExpireStale(ctx context.Context, before time.Time, limit int) (int, error) {
	stale, err := e.links.ListAwaitingApproval(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale peacelinks: %w", err)
	}

	expired := 0
	for _, link := range stale {
		mu := e.linkLock(link.ID)
		mu.Lock()

		// Re-read under lock; an approval may have raced the sweep.
		fresh, err := e.links.Get(ctx, link.ID)
		if err != nil {
			mu.Unlock()
			continue
		}
		if fresh.ExpiresAt == nil || !fresh.ExpiresAt.Before(before) || fresh.IsTerminal() {
			mu.Unlock()
			continue
		}
		if err := fresh.Transition(peacelink.StatusExpired); err != nil {
			mu.Unlock()
			continue
		}
		if err := e.links.Update(ctx, fresh); err != nil {
			logging.L(ctx).Warn("failed to expire peacelink", "link", fresh.ID, "error", err)
			mu.Unlock()
			continue
		}
		mu.Unlock()

		expired++
		if e.emitter != nil {
			e.emitter.EmitLinkExpired(fresh.MerchantID, fresh.ID)
		}
	}
	return expired, nil
}
