package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines subscription persistence. The backing document store is
// assumed to provide atomic single-document read-modify-write; no
// multi-document transactions are relied on anywhere in the engine.
type Store interface {
	// Insert adds a new subscription row.
	Insert(ctx context.Context, sub *Subscription) error

	// UpsertByExternalID creates or fully replaces the row keyed by
	// ExternalSubscriptionID. User-action write paths use it so a retry
	// after a partial failure converges instead of duplicating rows.
	UpsertByExternalID(ctx context.Context, sub *Subscription) error

	// ApplyByExternalID sets the non-nil fields of update on the row keyed
	// by externalID. Returns ErrSubscriptionNotFound when no row matches.
	ApplyByExternalID(ctx context.Context, externalID string, update SubscriptionUpdate) error

	// ByExternalID returns the row keyed by externalID, or
	// ErrSubscriptionNotFound.
	ByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// LatestByOwner returns the owner's most recently created row, or
	// ErrSubscriptionNotFound when the owner has no history at all.
	LatestByOwner(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)

	// ListByOwner returns the owner's full history, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Subscription, error)

	// OwnerByExternalCustomerID resolves the local owner behind a gateway
	// customer id by scanning historical rows. Used by the reconciler to
	// anchor webhook-created rows.
	OwnerByExternalCustomerID(ctx context.Context, externalCustomerID string) (uuid.UUID, error)

	// StatusCounts aggregates each owner's most recent row into per-status
	// totals.
	StatusCounts(ctx context.Context) (map[Status]int64, error)
}

// SubscriptionUpdate is a partial, last-writer-wins update applied by the
// reconciler. Nil fields are left untouched.
type SubscriptionUpdate struct {
	Status             *Status
	CancelAtPeriodEnd  *bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	PriceID            *string
	PaymentMethodID    *string
	OfferStatus        *OfferStatus
	LastPaymentAt      *time.Time
	UpdatedAt          time.Time
}
