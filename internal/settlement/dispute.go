package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/fees"
	"github.com/peacepay/peacelink/internal/ledger"
	"github.com/peacepay/peacelink/internal/logging"
	"github.com/peacepay/peacelink/internal/money"
	"github.com/peacepay/peacelink/internal/peacelink"
)

// ErrInvalidSplit rejects a split percentage outside [0,100].
var ErrInvalidSplit = errors.New("buyer percentage must be between 0 and 100")

// Resolution selects a dispute outcome.
type Resolution string

const (
	ResolveBuyer    Resolution = "buyer"
	ResolveMerchant Resolution = "merchant"
	ResolveSplit    Resolution = "split"
)

// DisputeOutcome reports the money moved by a resolution.
type DisputeOutcome struct {
	Link           *peacelink.Link
	BuyerAmount    decimal.Decimal
	MerchantGross  decimal.Decimal
	MerchantFee    decimal.Decimal
	MerchantNet    decimal.Decimal
	DspNet         decimal.Decimal
	DeliveryRefund decimal.Decimal
}

// OpenDispute freezes the link in active_dispute. Settlement halts until
// an admin resolves it.
func (e *Engine) OpenDispute(ctx context.Context, id string) (*peacelink.Link, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !link.CanOpenDispute() {
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusActiveDispute}
	}
	if err := link.Transition(peacelink.StatusActiveDispute); err != nil {
		return nil, err
	}
	if err := e.links.Update(ctx, link); err != nil {
		return nil, err
	}
	operationsTotal.WithLabelValues("open_dispute", "success").Inc()
	return link, nil
}

// ResolveDispute settles a disputed link. An assigned DSP is paid its
// delivery fee under every resolution: the delivery work happened
// regardless of who wins the dispute.
func (e *Engine) ResolveDispute(ctx context.Context, id string, res Resolution, buyerPercentage decimal.Decimal) (*DisputeOutcome, error) {
	mu := e.linkLock(id)
	mu.Lock()
	defer mu.Unlock()

	link, err := e.links.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.Status != peacelink.StatusActiveDispute {
		return nil, &peacelink.StateTransitionError{From: link.Status, To: peacelink.StatusDisputeResolved}
	}

	var out *DisputeOutcome
	switch res {
	case ResolveBuyer:
		out, err = e.resolveToBuyer(ctx, link)
	case ResolveMerchant:
		out, err = e.resolveToMerchant(ctx, link)
	case ResolveSplit:
		if buyerPercentage.IsNegative() || buyerPercentage.GreaterThan(decimal.NewFromInt(100)) {
			return nil, ErrInvalidSplit
		}
		out, err = e.resolveWithSplit(ctx, link, buyerPercentage)
	default:
		return nil, fmt.Errorf("unknown resolution %q", res)
	}
	if err != nil {
		return nil, err
	}

	dspNet, err := e.disputeDspPayout(ctx, link)
	if err != nil {
		logging.L(ctx).Error("dispute dsp payout failed, flagged for reconciliation",
			"link", link.ID, "dsp", link.DspID, "error", err)
		if ferr := e.flags.Create(ctx, NewFlag(link.ID, link.DspID, link.DeliveryFee, FlagDspPayoutFailed)); ferr != nil {
			logging.L(ctx).Error("failed to record reconciliation flag", "link", link.ID, "error", ferr)
		}
	}
	out.DspNet = dspNet

	// Buyer-paid delivery fee goes back to the buyer when no DSP ever
	// got assigned; otherwise it funded the DSP payout above.
	if link.DspID == "" && link.BuyerPaysDelivery && link.DeliveryFee.IsPositive() && link.BuyerID != "" {
		if err := e.wallets.Credit(ctx, link.BuyerID, link.DeliveryFee); err != nil {
			logging.L(ctx).Error("CRITICAL: delivery fee refund failed", "link", link.ID, "error", err)
		} else {
			out.DeliveryRefund = link.DeliveryFee
			if _, err := e.ledger.Record(ctx, &ledger.Entry{
				EscrowID:       link.ID,
				CreditWalletID: link.BuyerID,
				Amount:         link.DeliveryFee,
				Type:           ledger.TypeRefund,
				Description:    "delivery fee returned, no dsp assigned",
				IdempotencyKey: "dispute_delivery_refund:" + link.ID,
			}); err != nil {
				logging.L(ctx).Error("delivery refund credited but ledger entry failed", "link", link.ID, "error", err)
			}
		}
	}

	if err := link.Transition(peacelink.StatusDisputeResolved); err != nil {
		return nil, err
	}
	if err := e.persistAfterFunds(ctx, link, "resolve_dispute"); err != nil {
		return nil, err
	}

	operationsTotal.WithLabelValues("resolve_dispute", "success").Inc()
	out.Link = link
	return out, nil
}

// resolveToBuyer refunds the full item amount. A paid advance is clawed
// back from the merchant when its balance allows; the merchant pays no
// fee and receives nothing.
func (e *Engine) resolveToBuyer(ctx context.Context, link *peacelink.Link) (*DisputeOutcome, error) {
	if link.AdvancePaid {
		e.debitMerchantOrFlag(ctx, link, link.AdvanceAmount, ledger.TypeAdvanceRefund,
			"dispute_advance_refund:"+link.ID, FlagAdvanceClawbackSkipped,
			"advance clawed back on dispute resolution")
	}

	// A final release that already happened is recovered too: the
	// merchant walks away with nothing under this resolution.
	if _, err := e.ledger.GetByIdempotencyKey(ctx, "merchant_payout:"+link.ID); err == nil {
		e.debitMerchantOrFlag(ctx, link, link.RemainingAmount(), ledger.TypeRefund,
			"dispute_release_clawback:"+link.ID, FlagPayoutClawbackSkipped,
			"final release clawed back on dispute resolution")
	}

	if err := e.wallets.Credit(ctx, link.BuyerID, link.ItemAmount); err != nil {
		return nil, fmt.Errorf("failed to refund buyer: %w", err)
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       link.ID,
		CreditWalletID: link.BuyerID,
		Amount:         link.ItemAmount,
		Type:           ledger.TypeRefund,
		Description:    "dispute resolved for buyer",
		IdempotencyKey: "dispute_refund:" + link.ID,
	}); err != nil {
		if derr := e.wallets.Debit(ctx, link.BuyerID, link.ItemAmount); derr != nil {
			logging.L(ctx).Error("CRITICAL: dispute refund reversal failed", "link", link.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to record dispute refund: %w", err)
	}

	e.recordPayout(ctx, link, link.BuyerID, RecipientBuyer, PayoutDispute,
		link.ItemAmount, decimal.Zero, link.ItemAmount)
	return &DisputeOutcome{BuyerAmount: link.ItemAmount}, nil
}

// resolveToMerchant releases the remaining amount to the merchant net of
// the full merchant fee. Final-release semantics, so the fixed fee
// component applies.
func (e *Engine) resolveToMerchant(ctx context.Context, link *peacelink.Link) (*DisputeOutcome, error) {
	remaining := link.RemainingAmount()
	if !remaining.IsPositive() {
		return &DisputeOutcome{}, nil
	}
	// Already released at delivery confirmation; nothing more to move.
	if _, err := e.ledger.GetByIdempotencyKey(ctx, "merchant_payout:"+link.ID); err == nil {
		return &DisputeOutcome{}, nil
	}
	b := fees.MerchantFee(link.FeeSnapshot, remaining, false)

	if err := e.wallets.Credit(ctx, link.MerchantID, b.Net); err != nil {
		return nil, fmt.Errorf("failed to pay merchant: %w", err)
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		EscrowID:       link.ID,
		CreditWalletID: link.MerchantID,
		Amount:         b.Net,
		Type:           ledger.TypeMerchantPayout,
		Description:    "dispute resolved for merchant",
		IdempotencyKey: "dispute_merchant_payout:" + link.ID,
	}); err != nil {
		if derr := e.wallets.Debit(ctx, link.MerchantID, b.Net); derr != nil {
			logging.L(ctx).Error("CRITICAL: dispute payout reversal failed", "link", link.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to record dispute payout: %w", err)
	}

	e.creditPlatformFee(ctx, link.ID, b.TotalFee, "dispute_merchant_fee:"+link.ID,
		"merchant fee on dispute release")
	e.recordPayout(ctx, link, link.MerchantID, RecipientMerchant, PayoutDispute,
		remaining, b.TotalFee, b.Net)
	return &DisputeOutcome{MerchantGross: remaining, MerchantFee: b.TotalFee, MerchantNet: b.Net}, nil
}

// resolveWithSplit divides the item amount. The buyer share carries no
// fee; the merchant share pays the full merchant fee.
func (e *Engine) resolveWithSplit(ctx context.Context, link *peacelink.Link, buyerPercentage decimal.Decimal) (*DisputeOutcome, error) {
	buyerAmount := money.Round2(link.ItemAmount.Mul(buyerPercentage).Div(decimal.NewFromInt(100)))
	merchantAmount := link.ItemAmount.Sub(buyerAmount)

	out := &DisputeOutcome{BuyerAmount: buyerAmount, MerchantGross: merchantAmount}

	if link.AdvancePaid {
		e.debitMerchantOrFlag(ctx, link, link.AdvanceAmount, ledger.TypeAdvanceRefund,
			"dispute_advance_refund:"+link.ID, FlagAdvanceClawbackSkipped,
			"advance clawed back on dispute split")
	}

	// A final release that already happened is recovered first; the
	// split then redistributes the recovered amount.
	if _, err := e.ledger.GetByIdempotencyKey(ctx, "merchant_payout:"+link.ID); err == nil {
		e.debitMerchantOrFlag(ctx, link, link.RemainingAmount(), ledger.TypeRefund,
			"dispute_release_clawback:"+link.ID, FlagPayoutClawbackSkipped,
			"final release clawed back on dispute split")
	}

	if buyerAmount.IsPositive() {
		if err := e.wallets.Credit(ctx, link.BuyerID, buyerAmount); err != nil {
			return nil, fmt.Errorf("failed to refund buyer share: %w", err)
		}
		if _, err := e.ledger.Record(ctx, &ledger.Entry{
			EscrowID:       link.ID,
			CreditWalletID: link.BuyerID,
			Amount:         buyerAmount,
			Type:           ledger.TypeRefund,
			Description:    "buyer share of dispute split",
			IdempotencyKey: "dispute_refund:" + link.ID,
		}); err != nil {
			logging.L(ctx).Error("buyer share credited but ledger entry failed", "link", link.ID, "error", err)
		}
		e.recordPayout(ctx, link, link.BuyerID, RecipientBuyer, PayoutDispute,
			buyerAmount, decimal.Zero, buyerAmount)
	}

	if merchantAmount.IsPositive() {
		b := fees.MerchantFee(link.FeeSnapshot, merchantAmount, false)
		if err := e.wallets.Credit(ctx, link.MerchantID, b.Net); err != nil {
			return nil, fmt.Errorf("failed to pay merchant share: %w", err)
		}
		if _, err := e.ledger.Record(ctx, &ledger.Entry{
			EscrowID:       link.ID,
			CreditWalletID: link.MerchantID,
			Amount:         b.Net,
			Type:           ledger.TypeMerchantPayout,
			Description:    "merchant share of dispute split",
			IdempotencyKey: "dispute_merchant_payout:" + link.ID,
		}); err != nil {
			logging.L(ctx).Error("merchant share credited but ledger entry failed", "link", link.ID, "error", err)
		}
		e.creditPlatformFee(ctx, link.ID, b.TotalFee, "dispute_merchant_fee:"+link.ID,
			"merchant fee on dispute split")
		e.recordPayout(ctx, link, link.MerchantID, RecipientMerchant, PayoutDispute,
			merchantAmount, b.TotalFee, b.Net)
		out.MerchantFee = b.TotalFee
		out.MerchantNet = b.Net
	}

	return out, nil
}

// disputeDspPayout pays an assigned DSP its delivery fee, unless the
// regular delivery payout already ran before the dispute opened.
func (e *Engine) disputeDspPayout(ctx context.Context, link *peacelink.Link) (decimal.Decimal, error) {
	if link.DspID == "" || !link.DeliveryFee.IsPositive() {
		return decimal.Zero, nil
	}
	if _, err := e.ledger.GetByIdempotencyKey(ctx, "dsp_payout:"+link.ID); err == nil {
		return decimal.Zero, nil
	}
	return e.dspPayout(ctx, link)
}

func (e *Engine) recordPayout(ctx context.Context, link *peacelink.Link, recipientID string, rt RecipientType, pt PayoutType, gross, fee, net decimal.Decimal) {
	if err := e.payouts.Create(ctx, NewPayout(link.ID, recipientID, rt, pt, gross, fee, net)); err != nil {
		logging.L(ctx).Warn("failed to record payout", "link", link.ID, "recipient", recipientID, "error", err)
	}
}
