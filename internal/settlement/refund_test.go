package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacepay/peacelink/internal/peacelink"
)

func refundLink(dspAssigned, advancePaid, buyerPaysDelivery bool) *peacelink.Link {
	l := &peacelink.Link{
		ItemAmount:        decimal.RequireFromString("1000.00"),
		DeliveryFee:       decimal.RequireFromString("20.00"),
		AdvanceAmount:     decimal.RequireFromString("300.00"),
		BuyerPaysDelivery: buyerPaysDelivery,
		AdvancePaid:       advancePaid,
	}
	if dspAssigned {
		l.DspID = "dsp-1"
	}
	return l
}

func TestCalculateRefund(t *testing.T) {
	cases := []struct {
		name              string
		canceledBy        peacelink.CanceledBy
		dspAssigned       bool
		advancePaid       bool
		buyerPaysDelivery bool
		want              RefundPlan
	}{
		{
			name:              "buyer before dsp",
			canceledBy:        peacelink.CanceledByBuyer,
			buyerPaysDelivery: true,
			want:              RefundPlan{BuyerRefund: decimal.RequireFromString("1020.00")},
		},
		{
			name:              "buyer after dsp keeps delivery fee for dsp",
			canceledBy:        peacelink.CanceledByBuyer,
			dspAssigned:       true,
			buyerPaysDelivery: true,
			want: RefundPlan{
				BuyerRefund: decimal.RequireFromString("1000.00"),
				PayDsp:      true,
			},
		},
		{
			name:       "buyer before dsp merchant pays delivery",
			canceledBy: peacelink.CanceledByBuyer,
			want:       RefundPlan{BuyerRefund: decimal.RequireFromString("1000.00")},
		},
		{
			name:              "merchant before dsp",
			canceledBy:        peacelink.CanceledByMerchant,
			buyerPaysDelivery: true,
			want:              RefundPlan{BuyerRefund: decimal.RequireFromString("1020.00")},
		},
		{
			name:              "merchant after dsp pays and charges",
			canceledBy:        peacelink.CanceledByMerchant,
			dspAssigned:       true,
			buyerPaysDelivery: true,
			want: RefundPlan{
				BuyerRefund:          decimal.RequireFromString("1020.00"),
				PayDsp:               true,
				ChargeMerchantDspFee: true,
			},
		},
		{
			name:        "merchant after dsp fee collected by payout",
			canceledBy:  peacelink.CanceledByMerchant,
			dspAssigned: true,
			want: RefundPlan{
				BuyerRefund: decimal.RequireFromString("1000.00"),
				PayDsp:      true,
			},
		},
		{
			name:        "merchant cancel claws back paid advance",
			canceledBy:  peacelink.CanceledByMerchant,
			advancePaid: true,
			want: RefundPlan{
				BuyerRefund:     decimal.RequireFromString("1000.00"),
				ClawBackAdvance: true,
			},
		},
		{
			name:        "dsp cancel reopens the link",
			canceledBy:  peacelink.CanceledByDsp,
			dspAssigned: true,
			want:        RefundPlan{ReturnToSphActive: true},
		},
		{
			name:              "admin full refund without dsp logic",
			canceledBy:        peacelink.CanceledByAdmin,
			dspAssigned:       true,
			buyerPaysDelivery: true,
			want:              RefundPlan{BuyerRefund: decimal.RequireFromString("1020.00")},
		},
		{
			name:              "system full refund",
			canceledBy:        peacelink.CanceledBySystem,
			buyerPaysDelivery: true,
			want:              RefundPlan{BuyerRefund: decimal.RequireFromString("1020.00")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			link := refundLink(tc.dspAssigned, tc.advancePaid, tc.buyerPaysDelivery)
			plan, err := CalculateRefund(link, tc.canceledBy)
			require.NoError(t, err)

			assert.True(t, plan.BuyerRefund.Equal(tc.want.BuyerRefund),
				"refund %s, want %s", plan.BuyerRefund, tc.want.BuyerRefund)
			assert.Equal(t, tc.want.ClawBackAdvance, plan.ClawBackAdvance)
			assert.Equal(t, tc.want.PayDsp, plan.PayDsp)
			assert.Equal(t, tc.want.ChargeMerchantDspFee, plan.ChargeMerchantDspFee)
			assert.Equal(t, tc.want.ReturnToSphActive, plan.ReturnToSphActive)
		})
	}
}

func TestCalculateRefundDspWithoutAssignment(t *testing.T) {
	_, err := CalculateRefund(refundLink(false, false, true), peacelink.CanceledByDsp)
	assert.Error(t, err)
}
