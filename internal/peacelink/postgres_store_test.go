package peacelink

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacepay/peacelink/internal/fees"
	"github.com/peacepay/peacelink/internal/idgen"
	"github.com/peacepay/peacelink/internal/money"
	"github.com/peacepay/peacelink/internal/testutil"
)

func testLink() *Link {
	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(48 * time.Hour)
	return &Link{
		ID:                NewID(),
		Reference:         "PL-" + strings.ToUpper(idgen.Hex(5)),
		MerchantID:        "merchant-1",
		BuyerPhone:        "+2348012345678",
		ItemAmount:        money.MustParse("1000.00"),
		DeliveryFee:       money.MustParse("20.00"),
		TotalAmount:       money.MustParse("1020.00"),
		AdvancePercentage: money.MustParse("0"),
		AdvanceAmount:     money.MustParse("0"),
		BuyerPaysDelivery: true,
		FeeSnapshot: fees.Rates{
			MerchantRate:  money.MustParse("0.02"),
			MerchantFixed: money.MustParse("10.00"),
			DspRate:       money.MustParse("0.005"),
			CashoutRate:   money.MustParse("0.015"),
		},
		Status:    StatusCreated,
		ExpiresAt: &expires,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	link := testLink()
	require.NoError(t, store.Create(ctx, link))

	got, err := store.Get(ctx, link.ID)
	require.NoError(t, err)

	assert.Equal(t, link.ID, got.ID)
	assert.Equal(t, link.Reference, got.Reference)
	assert.Equal(t, "merchant-1", got.MerchantID)
	assert.Equal(t, StatusCreated, got.Status)
	assert.True(t, got.ItemAmount.Equal(link.ItemAmount))
	assert.True(t, got.TotalAmount.Equal(link.TotalAmount))
	assert.True(t, got.FeeSnapshot.MerchantRate.Equal(link.FeeSnapshot.MerchantRate))
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.ApprovedAt)

	byRef, err := store.GetByReference(ctx, link.Reference)
	require.NoError(t, err)
	assert.Equal(t, link.ID, byRef.ID)
}

func TestPostgresStore_GetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	_, err := store.Get(context.Background(), NewID())
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestPostgresStore_DuplicateReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	link := testLink()
	require.NoError(t, store.Create(ctx, link))

	dup := testLink()
	dup.Reference = link.Reference
	assert.ErrorIs(t, store.Create(ctx, dup), ErrReferenceTaken)
}

func TestPostgresStore_UpdateVersioning(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	link := testLink()
	require.NoError(t, store.Create(ctx, link))

	link.Status = StatusPendingApproval
	require.NoError(t, store.Update(ctx, link))
	assert.Equal(t, int64(2), link.Version)

	// A writer holding the old version must lose.
	stale := *link
	stale.Version = 1
	stale.Status = StatusSphActive
	assert.ErrorIs(t, store.Update(ctx, &stale), ErrVersionConflict)

	got, err := store.Get(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, got.Status)
}

func TestPostgresStore_ListAwaitingApproval(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testLink()
	past := now.Add(-time.Hour)
	stale.ExpiresAt = &past
	require.NoError(t, store.Create(ctx, stale))

	fresh := testLink()
	require.NoError(t, store.Create(ctx, fresh))

	expired, err := store.ListAwaitingApproval(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
}

func TestPostgresStore_ListByMerchant(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first := testLink()
	require.NoError(t, store.Create(ctx, first))
	second := testLink()
	require.NoError(t, store.Create(ctx, second))
	other := testLink()
	other.MerchantID = "merchant-2"
	require.NoError(t, store.Create(ctx, other))

	links, err := store.ListByMerchant(ctx, "merchant-1", 50)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	links, err = store.ListByMerchant(ctx, "merchant-2", 50)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}
