package peacelink

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusCreated, StatusPendingApproval, StatusSphActive, StatusDspAssigned,
	StatusOtpGenerated, StatusInTransit, StatusDelivered, StatusCanceled,
	StatusExpired, StatusActiveDispute, StatusDisputeResolved,
}

func TestTransitionGraph(t *testing.T) {
	allowed := map[Status][]Status{
		StatusCreated:         {StatusPendingApproval, StatusCanceled, StatusExpired},
		StatusPendingApproval: {StatusSphActive, StatusCanceled, StatusExpired},
		StatusSphActive:       {StatusDspAssigned, StatusCanceled, StatusActiveDispute},
		StatusDspAssigned:     {StatusOtpGenerated, StatusSphActive, StatusCanceled, StatusActiveDispute},
		StatusOtpGenerated:    {StatusInTransit, StatusDelivered, StatusCanceled, StatusActiveDispute},
		StatusInTransit:       {StatusDelivered, StatusActiveDispute},
		StatusDelivered:       {StatusActiveDispute},
		StatusActiveDispute:   {StatusDisputeResolved},
	}

	for _, from := range allStatuses {
		edges := map[Status]bool{}
		for _, to := range allowed[from] {
			edges[to] = true
		}
		for _, to := range allStatuses {
			l := &Link{Status: from}
			err := l.Transition(to)
			if edges[to] {
				assert.NoError(t, err, "%s -> %s should be allowed", from, to)
				assert.Equal(t, to, l.Status)
			} else {
				var ste *StateTransitionError
				require.ErrorAs(t, err, &ste, "%s -> %s should be rejected", from, to)
				assert.Equal(t, from, ste.From)
				assert.Equal(t, to, ste.To)
				// Status unchanged on a rejected transition.
				assert.Equal(t, from, l.Status)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCanceled, StatusExpired, StatusDisputeResolved} {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range []Status{StatusCreated, StatusSphActive, StatusDelivered, StatusActiveDispute} {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestCanApproveRespectsDeadline(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	l := &Link{Status: StatusPendingApproval, ExpiresAt: &future}
	assert.True(t, l.CanApprove(now))

	l.ExpiresAt = &past
	assert.False(t, l.CanApprove(now))

	l = &Link{Status: StatusSphActive, ExpiresAt: &future}
	assert.False(t, l.CanApprove(now))
}

func TestCanReassignDsp(t *testing.T) {
	now := time.Now()
	l := &Link{Status: StatusDspAssigned}
	assert.True(t, l.CanReassignDsp(1))

	l.DspReassignments = 1
	assert.False(t, l.CanReassignDsp(1))
	assert.True(t, l.CanReassignDsp(2))

	l = &Link{Status: StatusDspAssigned, OtpVerifiedAt: &now}
	assert.False(t, l.CanReassignDsp(1), "used otp blocks reassignment")
}

func TestCanCancel(t *testing.T) {
	cancelable := []Status{StatusCreated, StatusPendingApproval, StatusSphActive, StatusDspAssigned, StatusOtpGenerated, StatusInTransit}
	for _, s := range cancelable {
		assert.True(t, (&Link{Status: s}).CanCancel(), "%s", s)
	}
	for _, s := range []Status{StatusDelivered, StatusCanceled, StatusExpired, StatusDisputeResolved, StatusActiveDispute} {
		assert.False(t, (&Link{Status: s}).CanCancel(), "%s", s)
	}
}

func TestValidateAmounts(t *testing.T) {
	base := func() *Link {
		return &Link{
			ItemAmount:        decimal.RequireFromString("1000.00"),
			DeliveryFee:       decimal.RequireFromString("20.00"),
			AdvancePercentage: decimal.RequireFromString("30"),
			AdvanceAmount:     decimal.RequireFromString("300.00"),
		}
	}

	assert.NoError(t, base().Validate())

	l := base()
	l.AdvanceAmount = decimal.RequireFromString("1000.01")
	assert.ErrorIs(t, l.Validate(), ErrInvalidAmount)

	l = base()
	l.ItemAmount = decimal.Zero
	assert.ErrorIs(t, l.Validate(), ErrInvalidAmount)

	l = base()
	l.DeliveryFee = decimal.RequireFromString("-1.00")
	assert.ErrorIs(t, l.Validate(), ErrInvalidAmount)

	l = base()
	l.AdvancePercentage = decimal.RequireFromString("101")
	assert.ErrorIs(t, l.Validate(), ErrInvalidAmount)
}

func TestRemainingAmount(t *testing.T) {
	l := &Link{
		ItemAmount:    decimal.RequireFromString("1000.00"),
		AdvanceAmount: decimal.RequireFromString("300.00"),
	}
	assert.True(t, l.RemainingAmount().Equal(decimal.RequireFromString("1000.00")), "no advance paid yet")

	l.AdvancePaid = true
	assert.True(t, l.RemainingAmount().Equal(decimal.RequireFromString("700.00")))
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	l := &Link{ID: NewID(), Reference: "PL-1", Status: StatusCreated, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, l))
	assert.Equal(t, int64(1), l.Version)

	a, err := store.Get(ctx, l.ID)
	require.NoError(t, err)
	b, err := store.Get(ctx, l.ID)
	require.NoError(t, err)

	require.NoError(t, a.Transition(StatusPendingApproval))
	require.NoError(t, store.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	// The second writer holds a stale version.
	require.NoError(t, b.Transition(StatusCanceled))
	assert.ErrorIs(t, store.Update(ctx, b), ErrVersionConflict)

	fresh, err := store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, fresh.Status)
}

func TestMemoryStoreDuplicateReference(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Link{ID: NewID(), Reference: "PL-1"}))
	assert.ErrorIs(t, store.Create(ctx, &Link{ID: NewID(), Reference: "PL-1"}), ErrReferenceTaken)
}
