package billing

import (
	"context"

	"github.com/google/uuid"
)

// Notifier dispatches customer-facing messages. Every call site treats it as
// fire-and-forget: failures are logged by the engine and never propagate to
// the caller or roll back a billing transition.
type Notifier interface {
	// OfferExpired tells the owner their discounted billing period ended.
	OfferExpired(ctx context.Context, ownerID uuid.UUID, sub *Subscription) error
	// SubscriptionCanceled tells the owner their subscription was canceled.
	SubscriptionCanceled(ctx context.Context, ownerID uuid.UUID, sub *Subscription) error
}

type noopNotifier struct{}

func (noopNotifier) OfferExpired(context.Context, uuid.UUID, *Subscription) error { return nil }
func (noopNotifier) SubscriptionCanceled(context.Context, uuid.UUID, *Subscription) error {
	return nil
}
