package settlement

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
	"github.com/peacepay/peacelink/internal/wallet"
)

func testRates() fees.Rates {
	return fees.Rates{
		MerchantRate:  decimal.RequireFromString("0.02"),
		MerchantFixed: decimal.RequireFromString("10.00"),
		DspRate:       decimal.RequireFromString("0.005"),
		CashoutRate:   decimal.RequireFromString("0.015"),
	}
}

type engineFixture struct {
	engine  *Engine
	links   *peacelink.MemoryStore
	ledger  *ledger.MemoryStore
	wallets *wallet.Service
	flags   *MemoryFlagStore
	payouts *MemoryPayoutStore
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	links := peacelink.NewMemoryStore()
	ledgerStore := ledger.NewMemoryStore()
	accounts := wallet.NewMemoryStore()
	platform := wallet.NewMemoryPlatformStore()
	require.NoError(t, platform.Ensure(context.Background(), wallet.ProfitWallet))
	wallets := wallet.NewService(accounts, platform)
	flags := NewMemoryFlagStore()
	payouts := NewMemoryPayoutStore()

	for _, id := range []string{"buyer-1", "merchant-1", "dsp-1"} {
		require.NoError(t, accounts.Create(context.Background(), &wallet.Account{
			ID:      id,
			OwnerID: id,
			Balance: decimal.RequireFromString("5000.00"),
		}))
	}

	engine := NewEngine(links, ledger.New(ledgerStore), wallets, payouts, flags,
		fees.NewSchedule(fees.RateWindow{Rates: testRates()}),
		Config{
			ApprovalTTL:      48 * time.Hour,
			MaxDeliveryDays:  7,
			MaxReassignments: 1,
			OtpTTL:           24 * time.Hour,
			OtpMaxAttempts:   5,
			OtpDigits:        6,
		})
	return &engineFixture{engine: engine, links: links, ledger: ledgerStore, wallets: wallets, flags: flags, payouts: payouts}
}

func (f *engineFixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	bal, err := f.wallets.Balance(context.Background(), id)
	require.NoError(t, err)
	return bal
}

func (f *engineFixture) platformBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	p, err := f.wallets.PlatformBalance(context.Background())
	require.NoError(t, err)
	return p.Balance
}

// createApproved walks a link through create, share and approve.
func (f *engineFixture) createApproved(t *testing.T, req CreateRequest) *peacelink.Link {
	t.Helper()
	ctx := context.Background()
	link, err := f.engine.Create(ctx, req)
	require.NoError(t, err)
	_, err = f.engine.Share(ctx, link.ID)
	require.NoError(t, err)
	link, err = f.engine.Approve(ctx, link.ID, "buyer-1")
	require.NoError(t, err)
	return link
}

func defaultCreate() CreateRequest {
	return CreateRequest{
		MerchantID:        "merchant-1",
		BuyerPhone:        "+2348012345678",
		ItemAmount:        "1000.00",
		DeliveryFee:       "20.00",
		BuyerPaysDelivery: true,
	}
}

func TestCreateSnapshotsRates(t *testing.T) {
	f := newFixture(t)
	link, err := f.engine.Create(context.Background(), defaultCreate())
	require.NoError(t, err)

	assert.Equal(t, peacelink.StatusCreated, link.Status)
	assert.True(t, link.TotalAmount.Equal(decimal.RequireFromString("1020.00")))
	assert.True(t, link.FeeSnapshot.MerchantRate.Equal(decimal.RequireFromString("0.02")))
	assert.NotEmpty(t, link.Reference)
	assert.NotNil(t, link.ExpiresAt)
}

func TestApproveDebitsBuyerAndHolds(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())

	assert.Equal(t, peacelink.StatusSphActive, link.Status)
	assert.Equal(t, "buyer-1", link.BuyerID)
	assert.Nil(t, link.ExpiresAt)
	assert.NotNil(t, link.MaxDeliveryAt)
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("3980.00")))

	entries, err := f.engine.ledger.ListByEscrow(context.Background(), link.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.TypeHold, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("1020.00")))
}

func TestApproveInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	req := defaultCreate()
	req.ItemAmount = "6000.00"
	ctx := context.Background()
	link, err := f.engine.Create(ctx, req)
	require.NoError(t, err)
	_, err = f.engine.Share(ctx, link.ID)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, link.ID, "buyer-1")
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	// No partial effects: balance and status untouched.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))
	fresh, err := f.engine.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusPendingApproval, fresh.Status)
}

func TestApproveTwiceRejected(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())

	_, err := f.engine.Approve(context.Background(), link.ID, "buyer-1")
	var ste *peacelink.StateTransitionError
	assert.ErrorAs(t, err, &ste)
	// The hold applied exactly once.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("3980.00")))
}

func TestAdvancePayoutOnApproval(t *testing.T) {
	f := newFixture(t)
	req := defaultCreate()
	req.AdvancePercentage = "30"
	link := f.createApproved(t, req)

	assert.True(t, link.AdvancePaid)
	assert.True(t, link.AdvanceAmount.Equal(decimal.RequireFromString("300.00")))

	// Advance fee is percentage-only: 300 * 0.02 = 6.00, net 294.00.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("5294.00")),
		"got %s", f.balance(t, "merchant-1"))
	assert.True(t, f.platformBalance(t).Equal(decimal.RequireFromString("6.00")))
}

func TestConfirmDeliveryFinalRelease(t *testing.T) {
	f := newFixture(t)
	req := defaultCreate()
	req.AdvancePercentage = "30"
	link := f.createApproved(t, req)
	ctx := context.Background()

	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "driver-9")
	require.NoError(t, err)
	require.Len(t, res.Otp, 6)
	assert.Equal(t, peacelink.StatusDspAssigned, res.Link.Status)

	link, err = f.engine.ConfirmDelivery(ctx, link.ID, "buyer-1", res.Otp)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusDelivered, link.Status)
	assert.NotNil(t, link.DeliveredAt)
	assert.NotNil(t, link.OtpVerifiedAt)

	// Remaining 700: fee 700*0.02 + 10 fixed = 24, net 676.
	// Merchant: 5000 + 294 advance + 676 final = 5970.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("5970.00")),
		"got %s", f.balance(t, "merchant-1"))
	// DSP: 20 * 0.005 = 0.10 fee, net 19.90.
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5019.90")))
	// Platform: 6 + 24 + 0.10 = 30.10.
	assert.True(t, f.platformBalance(t).Equal(decimal.RequireFromString("30.10")),
		"got %s", f.platformBalance(t))

	payouts, err := f.engine.Payouts(ctx, link.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 3) // advance, final release, delivery
}

func TestConfirmDeliveryWrongOtpPersistsAttempts(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == res.Otp {
		wrong = "000001"
	}

	for i := 1; i <= 5; i++ {
		_, err = f.engine.ConfirmDelivery(ctx, link.ID, "buyer-1", wrong)
		assert.ErrorIs(t, err, peacelink.ErrOtpMismatch)
	}

	// Attempts survived each request; the correct code is now dead.
	_, err = f.engine.ConfirmDelivery(ctx, link.ID, "buyer-1", res.Otp)
	assert.ErrorIs(t, err, peacelink.ErrOtpAttemptsUsed)

	// No money moved.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("5000.00")))
}

func TestReassignmentCap(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	_, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	// First replacement is within the default cap of 1.
	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-2", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Link.DspReassignments)
	assert.Equal(t, "dsp-2", res.Link.DspID)

	_, err = f.engine.AssignDsp(ctx, link.ID, "dsp-3", "")
	assert.ErrorIs(t, err, peacelink.ErrReassignLimit)
}

func TestDspCancelReturnsToActive(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	_, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	link, err = f.engine.Cancel(ctx, link.ID, peacelink.CanceledByDsp, "vehicle broke down")
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusSphActive, link.Status)
	assert.Empty(t, link.DspID)
	assert.Empty(t, link.OtpHash)
	assert.Equal(t, 0, link.DspReassignments)

	// No refunds, no payouts, no fees moved.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("3980.00")))
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5000.00")))

	// A fresh DSP can now be assigned without hitting the cap.
	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-2", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Link.DspReassignments)
}

func TestBuyerCancelBeforeDspAssigned(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	link, err := f.engine.Cancel(ctx, link.ID, peacelink.CanceledByBuyer, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusCanceled, link.Status)
	assert.Equal(t, peacelink.CanceledByBuyer, link.CanceledBy)

	// Full refund: item + buyer-paid delivery = 1020.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))
	assert.True(t, f.platformBalance(t).IsZero())
}

func TestBuyerCancelAfterDspAssigned(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	_, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	link, err = f.engine.Cancel(ctx, link.ID, peacelink.CanceledByBuyer, "")
	require.NoError(t, err)

	// Refund is item only; the delivery fee pays the DSP.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("4980.00")),
		"got %s", f.balance(t, "buyer-1"))
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5019.90")))
	assert.True(t, f.platformBalance(t).Equal(decimal.RequireFromString("0.10")))
}

func TestMerchantCancelAfterDspAssigned(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	_, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	link, err = f.engine.Cancel(ctx, link.ID, peacelink.CanceledByMerchant, "out of stock")
	require.NoError(t, err)

	// Buyer made whole: full 1020 back.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))
	// DSP paid net 19.90.
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5019.90")))
	// Merchant at fault: debited the gross DSP fee of 20.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("4980.00")))
}

func TestMerchantCancelMerchantPaidDelivery(t *testing.T) {
	f := newFixture(t)
	req := defaultCreate()
	req.BuyerPaysDelivery = false
	link := f.createApproved(t, req)
	ctx := context.Background()

	_, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	link, err = f.engine.Cancel(ctx, link.ID, peacelink.CanceledByMerchant, "out of stock")
	require.NoError(t, err)

	// Buyer only ever funded the item.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))
	assert.True(t, f.balance(t, "dsp-1").Equal(decimal.RequireFromString("5019.90")))
	// Merchant pays the gross delivery fee exactly once.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("4980.00")),
		"got %s", f.balance(t, "merchant-1"))

	entries, err := f.engine.ledger.ListByEscrow(ctx, link.ID, 20)
	require.NoError(t, err)
	charges := 0
	for _, e := range entries {
		if e.Type == ledger.TypeDspFeeCharge {
			charges++
		}
	}
	assert.Equal(t, 1, charges)
}

func TestMerchantCancelClawsBackAdvance(t *testing.T) {
	f := newFixture(t)
	req := defaultCreate()
	req.AdvancePercentage = "30"
	link := f.createApproved(t, req)
	ctx := context.Background()

	link, err := f.engine.Cancel(ctx, link.ID, peacelink.CanceledByMerchant, "")
	require.NoError(t, err)

	// Buyer fully refunded.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))
	// Merchant received 294 net advance but is debited the gross 300.
	assert.True(t, f.balance(t, "merchant-1").Equal(decimal.RequireFromString("4994.00")),
		"got %s", f.balance(t, "merchant-1"))
}

func TestCancelMerchantInsolventFlagsShortfall(t *testing.T) {
	f := newFixture(t)
	req := defaultCreate()
	req.AdvancePercentage = "30"
	link := f.createApproved(t, req)
	ctx := context.Background()

	// Drain the merchant below the clawback amount.
	require.NoError(t, f.wallets.Debit(ctx, "merchant-1", decimal.RequireFromString("5200.00")))

	link, err := f.engine.Cancel(ctx, link.ID, peacelink.CanceledByMerchant, "")
	require.NoError(t, err, "buyer refund must not be blocked by merchant insolvency")
	assert.Equal(t, peacelink.StatusCanceled, link.Status)

	// Buyer is made whole regardless.
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))

	flags, err := f.engine.OpenFlags(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, FlagAdvanceClawbackSkipped, flags[0].Reason)
	assert.True(t, flags[0].Amount.Equal(decimal.RequireFromString("300.00")))

	require.NoError(t, f.engine.ResolveFlag(ctx, flags[0].ID, "admin-1"))
	flags, err = f.engine.OpenFlags(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestCancelBeforeApprovalMovesNoMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link, err := f.engine.Create(ctx, defaultCreate())
	require.NoError(t, err)

	link, err = f.engine.Cancel(ctx, link.ID, peacelink.CanceledByMerchant, "typo in amount")
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusCanceled, link.Status)
	assert.True(t, f.balance(t, "buyer-1").Equal(decimal.RequireFromString("5000.00")))

	entries, err := f.engine.ledger.ListByEscrow(ctx, link.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancelDeliveredRejected(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)
	_, err = f.engine.ConfirmDelivery(ctx, link.ID, "buyer-1", res.Otp)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, link.ID, peacelink.CanceledByBuyer, "")
	var ste *peacelink.StateTransitionError
	assert.ErrorAs(t, err, &ste)
}

func TestResolveDisputeDspPayoutFailureFlagged(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	// No wallet exists for this DSP, so the payout cannot land.
	_, err := f.engine.AssignDsp(ctx, link.ID, "dsp-ghost", "")
	require.NoError(t, err)
	_, err = f.engine.OpenDispute(ctx, link.ID)
	require.NoError(t, err)

	out, err := f.engine.ResolveDispute(ctx, link.ID, ResolveBuyer, decimal.Zero)
	require.NoError(t, err, "resolution proceeds even when the dsp payout fails")
	assert.True(t, out.DspNet.IsZero())
	assert.Equal(t, peacelink.StatusDisputeResolved, out.Link.Status)

	flags, err := f.engine.OpenFlags(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, FlagDspPayoutFailed, flags[0].Reason)
	assert.Equal(t, "dsp-ghost", flags[0].WalletID)
	assert.True(t, flags[0].Amount.Equal(decimal.RequireFromString("20.00")))
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.engine.Create(ctx, defaultCreate())
	require.NoError(t, err)
	_, err = f.engine.Share(ctx, link.ID)
	require.NoError(t, err)

	// Not yet stale.
	n, err := f.engine.ExpireStale(ctx, time.Now().UTC(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the 48h deadline.
	n, err = f.engine.ExpireStale(ctx, time.Now().UTC().Add(49*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fresh, err := f.engine.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusExpired, fresh.Status)

	// Expired links cannot be approved.
	_, err = f.engine.Approve(ctx, link.ID, "buyer-1")
	var ste *peacelink.StateTransitionError
	assert.ErrorAs(t, err, &ste)
}

func TestMarkInTransit(t *testing.T) {
	f := newFixture(t)
	link := f.createApproved(t, defaultCreate())
	ctx := context.Background()

	res, err := f.engine.AssignDsp(ctx, link.ID, "dsp-1", "")
	require.NoError(t, err)

	_, err = f.engine.MarkInTransit(ctx, link.ID, "dsp-9")
	assert.Error(t, err, "only the assigned dsp can mark transit")

	link, err = f.engine.MarkInTransit(ctx, link.ID, "dsp-1")
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusInTransit, link.Status)

	// Delivery still confirms from in_transit with the original code.
	link, err = f.engine.ConfirmDelivery(ctx, link.ID, "buyer-1", res.Otp)
	require.NoError(t, err)
	assert.Equal(t, peacelink.StatusDelivered, link.Status)
}
