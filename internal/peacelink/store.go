package peacelink

import (
	"context"
	"time"
)

// Store persists PeaceLinks.
//
// Update uses optimistic concurrency: it matches on the caller's Version
// and increments it, failing with ErrVersionConflict when another writer
// got there first. The loser re-reads and retries or surfaces the
// conflict.
type Store interface {
	Create(ctx context.Context, link *Link) error
	Get(ctx context.Context, id string) (*Link, error)
	GetByReference(ctx context.Context, reference string) (*Link, error)
	Update(ctx context.Context, link *Link) error
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Link, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Link, error)
	ListByDsp(ctx context.Context, dspID string, limit int) ([]*Link, error)
	// ListAwaitingApproval returns non-terminal links whose approval
	// deadline passed before the given time.
	ListAwaitingApproval(ctx context.Context, before time.Time, limit int) ([]*Link, error)
}
