package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// ApplyEvent reconciles one webhook delivery into the local projection.
// Deliveries are at-least-once and unordered, so every branch is an
// idempotent upsert of the gateway's latest truth keyed by the external
// subscription id; replaying the same event converges to the same row.
func (s *service) ApplyEvent(ctx context.Context, event Event) error {
	switch event.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated,
		EventSubscriptionPaused, EventSubscriptionResumed:
		return s.reconcileSubscription(ctx, event)
	case EventSubscriptionDeleted:
		return s.reconcileDeleted(ctx, event)
	case EventPaymentSucceeded:
		return s.reconcilePaymentSucceeded(ctx, event)
	case EventPaymentFailed:
		return s.reconcilePaymentFailed(ctx, event)
	default:
		s.logger.InfoContext(ctx, "ignoring unhandled event kind",
			slog.String("kind", string(event.Kind)),
			slog.String("external_subscription_id", event.SubscriptionID),
		)
		return nil
	}
}

// reconcileSubscription upserts the delivered subscription object. A missing
// local row is created on the fly, anchored to the owner resolved from the
// gateway customer id; deliveries for customers the engine has never seen are
// logged and dropped rather than failed, since redelivery cannot fix them.
func (s *service) reconcileSubscription(ctx context.Context, event Event) error {
	obj := event.Object
	if obj == nil || obj.ID == "" {
		s.logger.WarnContext(ctx, "subscription event without payload",
			slog.String("kind", string(event.Kind)))
		return nil
	}

	row, err := s.store.ByExternalID(ctx, obj.ID)
	switch {
	case err == nil:
	case errors.Is(err, ErrSubscriptionNotFound):
		row, err = s.rowFromEvent(ctx, event)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
	default:
		return err
	}

	row.Status = obj.Status
	if obj.Paused {
		row.Status = StatusPaused
	}
	row.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	// The price is pinned at creation; later events carry it too, but plan
	// changes flow through their own creation events rather than mutating
	// the recorded price of an existing row. Rows first seen through a
	// non-create delivery still take the price once.
	if obj.PriceID != "" && (event.Kind == EventSubscriptionCreated || row.PriceID == "") {
		row.PriceID = obj.PriceID
	}
	if obj.Amount != 0 {
		row.Amount = obj.Amount
	}
	if obj.Currency != "" {
		row.Currency = obj.Currency
	}
	if obj.PaymentMethodID != "" {
		row.PaymentMethodID = obj.PaymentMethodID
	}
	// Billing windows only move forward. An out-of-order stale delivery may
	// carry an older period; applying it would briefly regress the window,
	// so period bounds are taken only when they advance or hold it.
	if !obj.CurrentPeriodEnd.IsZero() && !obj.CurrentPeriodEnd.Before(row.CurrentPeriodEnd) {
		row.CurrentPeriodStart = obj.CurrentPeriodStart
		row.CurrentPeriodEnd = obj.CurrentPeriodEnd
	}
	row.UpdatedAt = s.now()

	if err := s.store.UpsertByExternalID(ctx, row); err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

// reconcileDeleted marks the row canceled with the billing window closed as
// of processing time, ending access immediately.
func (s *service) reconcileDeleted(ctx context.Context, event Event) error {
	externalID := event.SubscriptionID
	if externalID == "" && event.Object != nil {
		externalID = event.Object.ID
	}

	row, err := s.store.ByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.logger.WarnContext(ctx, "deletion for unknown subscription",
				slog.String("external_subscription_id", externalID))
			return nil
		}
		return err
	}

	now := s.now()
	row.Status = StatusCanceled
	row.CurrentPeriodEnd = now
	row.UpdatedAt = now
	if err := s.store.UpsertByExternalID(ctx, row); err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	s.notifyCanceled(ctx, row)
	return nil
}

// reconcilePaymentSucceeded records the payment on the subscription row and
// sweeps the owner's applied offer into expired once its discounted period
// has elapsed. The expiry notification is best-effort.
func (s *service) reconcilePaymentSucceeded(ctx context.Context, event Event) error {
	if event.SubscriptionID == "" {
		// One-off invoices carry no subscription; nothing to reconcile.
		return nil
	}

	row, err := s.store.ByExternalID(ctx, event.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.logger.WarnContext(ctx, "payment for unknown subscription",
				slog.String("external_subscription_id", event.SubscriptionID))
			return nil
		}
		return err
	}

	now := s.now()
	paidAt := event.OccurredAt
	if paidAt.IsZero() {
		paidAt = now
	}
	status := StatusActive

	update := SubscriptionUpdate{
		Status:        &status,
		LastPaymentAt: &paidAt,
		UpdatedAt:     now,
	}
	if err := s.store.ApplyByExternalID(ctx, row.ExternalSubscriptionID, update); err != nil {
		return errors.Join(ErrStoreWrite, err)
	}

	return s.expireElapsedOffer(ctx, row.OwnerID)
}

// reconcilePaymentFailed transitions the subscription to past_due, which
// suspends access until a later payment succeeds.
func (s *service) reconcilePaymentFailed(ctx context.Context, event Event) error {
	if event.SubscriptionID == "" {
		return nil
	}

	status := StatusPastDue
	err := s.store.ApplyByExternalID(ctx, event.SubscriptionID, SubscriptionUpdate{
		Status:    &status,
		UpdatedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.logger.WarnContext(ctx, "payment failure for unknown subscription",
				slog.String("external_subscription_id", event.SubscriptionID))
			return nil
		}
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

// expireElapsedOffer moves the owner's applied offer to expired once its
// discounted window has passed, and notifies the owner.
func (s *service) expireElapsedOffer(ctx context.Context, ownerID uuid.UUID) error {
	now := s.now()

	rows, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for i := range rows {
		row := &rows[i]
		if !row.IsSpecialOffer || row.OfferStatus != OfferApplied {
			continue
		}
		if row.OfferDiscountEnd == nil || row.OfferDiscountEnd.After(now) {
			continue
		}

		offerStatus, err := s.offerFSM.fire(ctx, row.OfferStatus, offerEventExpire)
		if err != nil {
			return err
		}
		update := SubscriptionUpdate{OfferStatus: &offerStatus, UpdatedAt: now}
		if err := s.store.ApplyByExternalID(ctx, row.ExternalSubscriptionID, update); err != nil {
			return errors.Join(ErrStoreWrite, err)
		}
		row.OfferStatus = offerStatus
		s.notifyOfferExpired(ctx, row)
	}
	return nil
}

// rowFromEvent builds a fresh local row for a subscription first seen via
// webhook. Returns nil row when the owner cannot be resolved.
func (s *service) rowFromEvent(ctx context.Context, event Event) (*Subscription, error) {
	obj := event.Object

	customerID := event.CustomerID
	if customerID == "" {
		customerID = obj.CustomerID
	}
	ownerID, err := s.store.OwnerByExternalCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.logger.WarnContext(ctx, "event for unknown customer; skipping",
				slog.String("kind", string(event.Kind)),
				slog.String("external_customer_id", customerID),
				slog.String("external_subscription_id", obj.ID),
			)
			return nil, nil
		}
		return nil, err
	}

	now := s.now()
	return &Subscription{
		ID:                     uuid.New(),
		OwnerID:                ownerID,
		ExternalSubscriptionID: obj.ID,
		ExternalCustomerID:     customerID,
		OfferStatus:            OfferNone,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}
