package cashout

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacepay/peacelink/internal/fees"
	"github.com/peacepay/peacelink/internal/ledger"
	"github.com/peacepay/peacelink/internal/wallet"
)

type fixture struct {
	engine  *Engine
	wallets *wallet.Service
	ledger  *ledger.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	accounts := wallet.NewMemoryStore()
	platform := wallet.NewMemoryPlatformStore()
	require.NoError(t, platform.Ensure(context.Background(), wallet.ProfitWallet))
	wallets := wallet.NewService(accounts, platform)

	require.NoError(t, accounts.Create(context.Background(), &wallet.Account{
		ID:      "user-1",
		OwnerID: "user-1",
		Balance: decimal.RequireFromString("500.00"),
	}))

	schedule := fees.NewSchedule(fees.RateWindow{Rates: fees.Rates{
		MerchantRate:  decimal.RequireFromString("0.02"),
		MerchantFixed: decimal.RequireFromString("10.00"),
		DspRate:       decimal.RequireFromString("0.005"),
		CashoutRate:   decimal.RequireFromString("0.015"),
	}})

	ledgerStore := ledger.NewMemoryStore()
	engine := NewEngine(NewMemoryStore(), ledger.New(ledgerStore), wallets, schedule)
	return &fixture{engine: engine, wallets: wallets, ledger: ledgerStore}
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	bal, err := f.wallets.Balance(context.Background(), id)
	require.NoError(t, err)
	return bal
}

func (f *fixture) platformBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	p, err := f.wallets.PlatformBalance(context.Background())
	require.NoError(t, err)
	return p.Balance
}

func TestCreateRequestDebitsPrincipalAndFee(t *testing.T) {
	f := newFixture(t)

	req, err := f.engine.CreateRequest(context.Background(), "user-1", "100.00")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, req.Status)
	assert.True(t, req.Fee.Equal(decimal.RequireFromString("1.50")))
	assert.True(t, req.Total.Equal(decimal.RequireFromString("101.50")))

	// Principal and fee leave the wallet at request time, not at approval.
	assert.True(t, f.balance(t, "user-1").Equal(decimal.RequireFromString("398.50")))
	assert.True(t, f.platformBalance(t).Equal(decimal.RequireFromString("1.50")))
}

func TestCreateRequestInsufficientFunds(t *testing.T) {
	f := newFixture(t)

	// 500 covers the principal but not principal + fee.
	_, err := f.engine.CreateRequest(context.Background(), "user-1", "500.00")
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	assert.True(t, f.balance(t, "user-1").Equal(decimal.RequireFromString("500.00")))
	assert.True(t, f.platformBalance(t).IsZero())
}

func TestApproveMovesNoMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.engine.CreateRequest(ctx, "user-1", "100.00")
	require.NoError(t, err)

	req, err = f.engine.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, "admin-1", req.DecidedBy)
	assert.NotNil(t, req.DecidedAt)

	assert.True(t, f.balance(t, "user-1").Equal(decimal.RequireFromString("398.50")))
	assert.True(t, f.platformBalance(t).Equal(decimal.RequireFromString("1.50")))
}

func TestRejectRestoresEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.engine.CreateRequest(ctx, "user-1", "100.00")
	require.NoError(t, err)

	req, err = f.engine.Reject(ctx, req.ID, "admin-1", "suspicious activity")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, req.Status)
	assert.Equal(t, "suspicious activity", req.Reason)

	// Full reversal: user made whole, platform fee clawed back.
	assert.True(t, f.balance(t, "user-1").Equal(decimal.RequireFromString("500.00")))
	assert.True(t, f.platformBalance(t).IsZero())
}

func TestRejectAfterApprovalFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.engine.CreateRequest(ctx, "user-1", "100.00")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, req.ID, "admin-2", "too late")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StatusApproved, statusErr.From)

	// Money stays out.
	assert.True(t, f.balance(t, "user-1").Equal(decimal.RequireFromString("398.50")))
}

func TestApproveTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.engine.CreateRequest(ctx, "user-1", "100.00")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, req.ID, "admin-1")
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
}

func TestProcessingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.engine.CreateRequest(ctx, "user-1", "100.00")
	require.NoError(t, err)

	// Rails cannot pick up a request the admin has not approved.
	_, err = f.engine.MarkProcessing(ctx, req.ID)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)

	_, err = f.engine.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)
	req, err = f.engine.MarkProcessing(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, req.Status)

	req, err = f.engine.MarkCompleted(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)

	// Completed is terminal.
	_, err = f.engine.MarkFailed(ctx, req.ID, "late failure")
	assert.ErrorAs(t, err, &statusErr)
}

func TestFailedDisbursementRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.engine.CreateRequest(ctx, "user-1", "100.00")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)
	_, err = f.engine.MarkProcessing(ctx, req.ID)
	require.NoError(t, err)

	req, err = f.engine.MarkFailed(ctx, req.ID, "bank transfer bounced")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, req.Status)
	assert.Equal(t, "bank transfer bounced", req.FailureReason)

	assert.True(t, f.balance(t, "user-1").Equal(decimal.RequireFromString("500.00")))
	assert.True(t, f.platformBalance(t).IsZero())
}

func TestListByUserAndPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.CreateRequest(ctx, "user-1", "50.00")
	require.NoError(t, err)
	second, err := f.engine.CreateRequest(ctx, "user-1", "25.00")
	require.NoError(t, err)

	pending, err := f.engine.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = f.engine.Approve(ctx, first.ID, "admin-1")
	require.NoError(t, err)

	pending, err = f.engine.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	mine, err := f.engine.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestInvalidAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateRequest(context.Background(), "user-1", "0")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.engine.CreateRequest(context.Background(), "user-1", "not-a-number")
	assert.Error(t, err)
}
