package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacepay/peacelink/internal/fees"
	"github.com/peacepay/peacelink/internal/ledger"
	"github.com/peacepay/peacelink/internal/peacelink"
	"github.com/peacepay/peacelink/internal/settlement"
	"github.com/peacepay/peacelink/internal/wallet"
)

type fixture struct {
	service *Service
	engine  *settlement.Engine
	wallets *wallet.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	accounts := wallet.NewMemoryStore()
	platform := wallet.NewMemoryPlatformStore()
	require.NoError(t, platform.Ensure(ctx, wallet.ProfitWallet))
	wallets := wallet.NewService(accounts, platform)
	for _, id := range []string{"buyer-1", "merchant-1", "dsp-1"} {
		require.NoError(t, accounts.Create(ctx, &wallet.Account{
			ID:      id,
			OwnerID: id,
			Balance: decimal.RequireFromString("5000.00"),
		}))
	}

	schedule := fees.NewSchedule(fees.RateWindow{Rates: fees.Rates{
		MerchantRate:  decimal.RequireFromString("0.02"),
		MerchantFixed: decimal.RequireFromString("10.00"),
		DspRate:       decimal.RequireFromString("0.005"),
		CashoutRate:   decimal.RequireFromString("0.015"),
	}})

	engine := settlement.NewEngine(
		peacelink.NewMemoryStore(),
		ledger.New(ledger.NewMemoryStore()),
		wallets,
		settlement.NewMemoryPayoutStore(),
		settlement.NewMemoryFlagStore(),
		schedule,
		settlement.Config{
			ApprovalTTL:      48 * time.Hour,
			MaxDeliveryDays:  7,
			MaxReassignments: 1,
			OtpTTL:           24 * time.Hour,
			OtpMaxAttempts:   5,
			OtpDigits:        6,
		})

	return &fixture{
		service: NewService(NewMemoryStore(), engine),
		engine:  engine,
		wallets: wallets,
	}
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	bal, err := f.wallets.Balance(context.Background(), id)
	require.NoError(t, err)
	return bal
}

// approvedLink creates and funds a link: 1000 item, 20 buyer-paid
// delivery, optional advance percentage.
func (f *fixture) approvedLink(t *testing.T, advancePct string) *peacelink.Link {
	t.Helper()
	ctx := context.Background()
	link, err := f.engine.Create(ctx, settlement.CreateRequest{
		MerchantID:        "merchant-1",
		BuyerPhone:        "+2348012345678",
		ItemAmount:        "1000.00",
		DeliveryFee:       "20.00",
		AdvancePercentage: advancePct,
		BuyerPaysDelivery: true,
	})
	require.NoError(t, err)
	_, err = f.engine.Share(ctx, link.ID)
	require.NoError(t, err)
	link, err = f.engine.Approve(ctx, link.ID, "buyer-1")
	require.NoError(t, err)
	return link
}

func TestOpenFreezesLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "item never matched the listing")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, link.ID, d.EscrowID)

	fresh, err := f.engine.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusActiveDispute, fresh.Status)

	// Frozen links reject settlement operations.
	_, err = f.engine.Cancel(ctx, link.ID, peacelink.CanceledByBuyer, "")
	var ste *peacelink.StateTransitionError
	assert.ErrorAs(t, err, &ste)

	// One open dispute per link.
	_, err = f.service.Open(ctx, link.ID, "merchant-1", "counter claim")
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestReleaseToBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "damaged goods")
	require.NoError(t, err)

	d, err = f.service.ReleaseToBuyer(ctx, d.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedBuyer, d.Status)
	assert.Equal(t, "admin-1", d.ResolvedBy)
	assert.NotNil(t, d.ResolvedAt)

	// Item plus the unspent delivery fee come back; the buyer is whole.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")),
		"got %s", f.balance(t, "buyer-1"))
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("5000.00")))

	fresh, err := f.engine.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusDisputeResolved, fresh.Status)
	assert.True(t, fresh.IsTerminal())
}

func TestReleaseToBuyerClawsBackAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "30")

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "never delivered")
	require.NoError(t, err)
	_, err = f.service.ReleaseToBuyer(ctx, d.ID, "admin-1")
	require.NoError(t, err)

	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))
	// Merchant received the 294 net advance, gives back the gross 300.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("4994.00")),
		"got %s", f.balance(t, "merchant-1"))
}

func TestReleaseToBuyerAlwaysPaysDsp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	_, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "wrong item delivered")
	require.NoError(t, err)
	d, err = f.service.ReleaseToBuyer(ctx, d.ID, "admin-1")
	require.NoError(t, err)

	// The DSP did the work; it is paid no matter who wins.
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5019.90")))
	assert.True(t, d.DspAmount.Equal(decimal.RequireFromString("19.90")))
	// Buyer gets the item back but not the delivery fee that paid the DSP.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("4980.00")))
}

func TestReleaseToMerchant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	d, err := f.service.Open(ctx, link.ID, "merchant-1", "buyer refuses handover")
	require.NoError(t, err)
	d, err = f.service.ReleaseToMerchant(ctx, d.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedMerchant, d.Status)

	// Final-release fee applies: 1000*0.02 + 10 = 30, net 970.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("5970.00")),
		"got %s", f.balance(t, "merchant-1"))
	assert.True(t, d.MerchantAmount.Equal(decimal.RequireFromString("970.00")))
	// No DSP was assigned, so the buyer-paid delivery fee goes back.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("4000.00")),
		"got %s", f.balance(t, "buyer-1"))
}

func TestResolveWithSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "partial damage")
	require.NoError(t, err)
	d, err = f.service.ResolveWithSplit(ctx, d.ID, "admin-1", decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedSplit, d.Status)

	// Buyer share 300 carries no fee; plus the 20 delivery refund.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("4300.00")),
		"got %s", f.balance(t, "buyer-1"))
	// Merchant share 700 pays the full fee: 700*0.02 + 10 = 24, net 676.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("5676.00")),
		"got %s", f.balance(t, "merchant-1"))
	assert.True(t, d.MerchantAmount.Equal(decimal.RequireFromString("676.00")))
}

func TestResolveWithSplitValidatesPercentage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "partial damage")
	require.NoError(t, err)

	_, err = f.service.ResolveWithSplit(ctx, d.ID, "admin-1", decimal.NewFromInt(101))
	assert.ErrorIs(t, err, settlement.ErrInvalidSplit)
	_, err = f.service.ResolveWithSplit(ctx, d.ID, "admin-1", decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, settlement.ErrInvalidSplit)

	// The failed attempts left the dispute open.
	fresh, err := f.service.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, fresh.Status)
}

func TestResolveTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "damaged goods")
	require.NoError(t, err)
	_, err = f.service.ReleaseToBuyer(ctx, d.ID, "admin-1")
	require.NoError(t, err)

	_, err = f.service.ReleaseToMerchant(ctx, d.ID, "admin-2")
	assert.ErrorIs(t, err, ErrNotOpen)

	// Balances unchanged by the second attempt.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))
}

func TestDisputeAfterDeliveryReleaseToBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)
	_, err = f.engine.ConfirmDelivery(ctx, link.ID, "buyer-1", res.Otp)
	require.NoError(t, err)

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "box was empty")
	require.NoError(t, err)
	_, err = f.service.ReleaseToBuyer(ctx, d.ID, "admin-1")
	require.NoError(t, err)

	// The final release is recovered from the merchant gross and the
	// buyer refunded the item in full.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("4980.00")),
		"got %s", f.balance(t, "buyer-1"))
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("4970.00")),
		"got %s", f.balance(t, "merchant-1"))
	// The DSP keeps its delivery payout, paid exactly once.
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5019.90")))
}

func TestDisputeAfterDeliverySplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)
	_, err = f.engine.ConfirmDelivery(ctx, link.ID, "buyer-1", res.Otp)
	require.NoError(t, err)

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "half the order missing")
	require.NoError(t, err)
	_, err = f.service.ResolveWithSplit(ctx, d.ID, "admin-1", decimal.NewFromInt(30))
	require.NoError(t, err)

	// The 970 released at delivery is clawed back gross before the
	// split distributes: buyer gets 300, merchant 700 net of fee.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("4280.00")),
		"got %s", f.balance(t, "buyer-1"))
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("5646.00")),
		"got %s", f.balance(t, "merchant-1"))
	// The DSP keeps its delivery payout, paid exactly once.
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5019.90")))
}

func TestMarkUnderReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := f.approvedLink(t, "")

	d, err := f.service.Open(ctx, link.ID, "buyer-1", "damaged goods")
	require.NoError(t, err)
	d, err = f.service.MarkUnderReview(ctx, d.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, d.Status)

	open, err := f.service.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// Under-review disputes still resolve.
	_, err = f.service.ReleaseToBuyer(ctx, d.ID, "admin-1")
	require.NoError(t, err)
}
