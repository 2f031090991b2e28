package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/peacelink"
)

// RefundPlan is the deterministic outcome of a cancellation: what the
// buyer gets back and which side effects apply. Computing the plan never
// touches a wallet; Cancel executes it.
type RefundPlan struct {
	// BuyerRefund is credited back to the buyer's wallet.
	BuyerRefund decimal.Decimal
	// ClawBackAdvance debits the merchant the gross advance amount so a
	// paid-out advance flows back into the buyer's refund.
	ClawBackAdvance bool
	// PayDsp settles the delivery fee to the assigned DSP; the work was
	// done whatever happened to the sale.
	PayDsp bool
	// ChargeMerchantDspFee debits the merchant the gross delivery fee,
	// funding the DSP payout when the cancellation is the merchant's
	// fault and the buyer carried the fee. A merchant-carried fee is
	// already collected by the payout itself.
	ChargeMerchantDspFee bool
	// ReturnToSphActive reopens the link for a new DSP instead of
	// canceling it (DSP-initiated cancellation only).
	ReturnToSphActive bool
}

// CalculateRefund resolves the cancellation table for a link.
//
//	canceledBy   DSP not yet assigned            DSP assigned
//	buyer        item + buyer-paid delivery      item only, DSP still paid
//	merchant     full refund                     full refund, DSP paid,
//	                                             merchant charged DSP fee
//	dsp          (invalid)                       no refund, back to sph_active
//	admin/system full refund                     full refund, no DSP logic
//
// A paid advance is clawed back from the merchant in every canceling
// branch.
func CalculateRefund(link *peacelink.Link, canceledBy peacelink.CanceledBy) (RefundPlan, error) {
	dspAssigned := link.DspID != ""

	fullRefund := link.ItemAmount
	if link.BuyerPaysDelivery {
		fullRefund = fullRefund.Add(link.DeliveryFee)
	}

	switch canceledBy {
	case peacelink.CanceledByBuyer:
		if dspAssigned {
			// Buyer absorbs the delivery fee via the smaller refund;
			// it pays the DSP.
			return RefundPlan{
				BuyerRefund:     link.ItemAmount,
				ClawBackAdvance: link.AdvancePaid,
				PayDsp:          true,
			}, nil
		}
		return RefundPlan{
			BuyerRefund:     fullRefund,
			ClawBackAdvance: link.AdvancePaid,
		}, nil

	case peacelink.CanceledByMerchant:
		plan := RefundPlan{
			BuyerRefund:     fullRefund,
			ClawBackAdvance: link.AdvancePaid,
		}
		if dspAssigned {
			plan.PayDsp = true
			// A merchant-carried fee is collected inside the DSP payout
			// itself; charging it here as well would bill it twice.
			plan.ChargeMerchantDspFee = link.BuyerPaysDelivery
		}
		return plan, nil

	case peacelink.CanceledByDsp:
		if !dspAssigned {
			return RefundPlan{}, fmt.Errorf("dsp cancellation requires an assigned dsp")
		}
		return RefundPlan{ReturnToSphActive: true}, nil

	case peacelink.CanceledByAdmin, peacelink.CanceledBySystem:
		// Admin decides DSP compensation case by case through dispute
		// resolution, not here.
		return RefundPlan{
			BuyerRefund:     fullRefund,
			ClawBackAdvance: link.AdvancePaid,
		}, nil
	}
	return RefundPlan{}, fmt.Errorf("unknown cancellation actor %q", canceledBy)
}
