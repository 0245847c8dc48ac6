package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEventSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("updates existing row with gateway truth", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))

		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))
		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventSubscriptionUpdated,
			SubscriptionID: "sub_live",
			Object: &GatewaySubscription{
				ID:                 "sub_live",
				CustomerID:         "cus_1",
				Status:             StatusPastDue,
				CancelAtPeriodEnd:  true,
				CurrentPeriodStart: testNow,
				CurrentPeriodEnd:   testNow.AddDate(0, 1, 0),
			},
		})
		require.NoError(t, err)

		stored, err := store.ByExternalID(ctx, "sub_live")
		require.NoError(t, err)
		assert.Equal(t, StatusPastDue, stored.Status)
		assert.True(t, stored.CancelAtPeriodEnd)
		assert.Equal(t, testNow.AddDate(0, 1, 0), stored.CurrentPeriodEnd)
	})

	t.Run("replay converges to the same row", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		event := Event{
			Kind:           EventSubscriptionUpdated,
			SubscriptionID: "sub_live",
			Object: &GatewaySubscription{
				ID:               "sub_live",
				CustomerID:       "cus_1",
				Status:           StatusActive,
				CurrentPeriodEnd: testNow.AddDate(0, 1, 0),
			},
		}
		require.NoError(t, svc.ApplyEvent(ctx, event))
		first, _ := store.ByExternalID(ctx, "sub_live")

		require.NoError(t, svc.ApplyEvent(ctx, event))
		second, _ := store.ByExternalID(ctx, "sub_live")

		assert.Equal(t, first, second)
		rows, _ := store.ListByOwner(ctx, ownerID)
		assert.Len(t, rows, 1)
	})

	t.Run("update event does not rewrite the recorded price", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventSubscriptionUpdated,
			SubscriptionID: "sub_live",
			Object: &GatewaySubscription{
				ID:         "sub_live",
				CustomerID: "cus_1",
				Status:     StatusActive,
				PriceID:    "price_other",
			},
		})
		require.NoError(t, err)

		stored, err := store.ByExternalID(ctx, "sub_live")
		require.NoError(t, err)
		assert.Equal(t, "price_basic", stored.PriceID)
	})

	t.Run("stale delivery cannot regress the billing window", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		store := newMemStore(row)
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventSubscriptionUpdated,
			SubscriptionID: "sub_live",
			Object: &GatewaySubscription{
				ID:               "sub_live",
				CustomerID:       "cus_1",
				Status:           StatusActive,
				CurrentPeriodEnd: row.CurrentPeriodEnd.AddDate(0, -1, 0),
			},
		})
		require.NoError(t, err)

		stored, _ := store.ByExternalID(ctx, "sub_live")
		assert.Equal(t, row.CurrentPeriodEnd, stored.CurrentPeriodEnd)
	})

	t.Run("creates missing row anchored to known customer", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		old := activeRow(ownerID)
		old.Status = StatusCanceled
		old.CurrentPeriodEnd = testNow.AddDate(0, 0, -5)
		store := newMemStore(old)
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventSubscriptionCreated,
			SubscriptionID: "sub_new",
			CustomerID:     "cus_1",
			Object: &GatewaySubscription{
				ID:                 "sub_new",
				CustomerID:         "cus_1",
				Status:             StatusActive,
				CurrentPeriodStart: testNow,
				CurrentPeriodEnd:   testNow.AddDate(0, 1, 0),
				PriceID:            "price_pro",
				Amount:             2900,
				Currency:           "usd",
			},
		})
		require.NoError(t, err)

		stored, err := store.ByExternalID(ctx, "sub_new")
		require.NoError(t, err)
		assert.Equal(t, ownerID, stored.OwnerID)
		assert.Equal(t, "price_pro", stored.PriceID)
		assert.Equal(t, int64(2900), stored.Amount)
	})

	t.Run("unknown customer is skipped without error", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventSubscriptionCreated,
			SubscriptionID: "sub_ghost",
			CustomerID:     "cus_ghost",
			Object:         &GatewaySubscription{ID: "sub_ghost", CustomerID: "cus_ghost", Status: StatusActive},
		})
		require.NoError(t, err)
		assert.Empty(t, store.rows)
	})

	t.Run("paused collection flag forces paused status", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventSubscriptionPaused,
			SubscriptionID: "sub_live",
			Object: &GatewaySubscription{
				ID:         "sub_live",
				CustomerID: "cus_1",
				Status:     StatusActive,
				Paused:     true,
			},
		})
		require.NoError(t, err)

		stored, _ := store.ByExternalID(ctx, "sub_live")
		assert.Equal(t, StatusPaused, stored.Status)
	})
}

func TestApplyEventDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("cancels and closes the billing window now", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		notifier := &recordingNotifier{}
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock), WithNotifier(notifier))

		err := svc.ApplyEvent(ctx, Event{Kind: EventSubscriptionDeleted, SubscriptionID: "sub_live"})
		require.NoError(t, err)

		stored, _ := store.ByExternalID(ctx, "sub_live")
		assert.Equal(t, StatusCanceled, stored.Status)
		assert.Equal(t, testNow, stored.CurrentPeriodEnd)
		assert.False(t, stored.GrantsAccess(testNow))
		assert.Equal(t, []uuid.UUID{ownerID}, notifier.canceled)
	})

	t.Run("unknown subscription is a no-op", func(t *testing.T) {
		t.Parallel()
		svc := NewService(newMemStore(), &MockGateway{}, WithClock(fixedClock))
		err := svc.ApplyEvent(ctx, Event{Kind: EventSubscriptionDeleted, SubscriptionID: "sub_gone"})
		assert.NoError(t, err)
	})

	t.Run("notification failure does not fail the event", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		notifier := &recordingNotifier{err: assert.AnError}
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock), WithNotifier(notifier))

		err := svc.ApplyEvent(ctx, Event{Kind: EventSubscriptionDeleted, SubscriptionID: "sub_live"})
		assert.NoError(t, err)
	})
}

func TestApplyEventPayments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("payment success reactivates and records payment time", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		row.Status = StatusPastDue
		store := newMemStore(row)
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		paidAt := testNow.Add(-time.Minute)
		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventPaymentSucceeded,
			SubscriptionID: "sub_live",
			CustomerID:     "cus_1",
			OccurredAt:     paidAt,
		})
		require.NoError(t, err)

		stored, _ := store.ByExternalID(ctx, "sub_live")
		assert.Equal(t, StatusActive, stored.Status)
		require.NotNil(t, stored.LastPaymentAt)
		assert.Equal(t, paidAt, *stored.LastPaymentAt)
	})

	t.Run("payment success expires elapsed offer and notifies", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		used := offerRow(ownerID, OfferApplied)
		start := testNow.AddDate(0, -1, 0)
		end := testNow.Add(-time.Hour)
		used.OfferDiscountStart = &start
		used.OfferDiscountEnd = &end
		store := newMemStore(activeRow(ownerID), used)
		notifier := &recordingNotifier{}
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock), WithNotifier(notifier))

		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventPaymentSucceeded,
			SubscriptionID: "sub_live",
			CustomerID:     "cus_1",
			OccurredAt:     testNow,
		})
		require.NoError(t, err)

		stored, _ := store.ByExternalID(ctx, used.ExternalSubscriptionID)
		assert.Equal(t, OfferExpired, stored.OfferStatus)
		assert.Equal(t, []uuid.UUID{ownerID}, notifier.expired)
	})

	t.Run("running offer is left alone", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		used := offerRow(ownerID, OfferApplied)
		end := testNow.AddDate(0, 1, 0)
		used.OfferDiscountEnd = &end
		store := newMemStore(activeRow(ownerID), used)
		notifier := &recordingNotifier{}
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock), WithNotifier(notifier))

		err := svc.ApplyEvent(ctx, Event{
			Kind:           EventPaymentSucceeded,
			SubscriptionID: "sub_live",
			CustomerID:     "cus_1",
		})
		require.NoError(t, err)

		stored, _ := store.ByExternalID(ctx, used.ExternalSubscriptionID)
		assert.Equal(t, OfferApplied, stored.OfferStatus)
		assert.Empty(t, notifier.expired)
	})

	t.Run("payment failure marks past_due", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

		err := svc.ApplyEvent(ctx, Event{Kind: EventPaymentFailed, SubscriptionID: "sub_live"})
		require.NoError(t, err)

		stored, _ := store.ByExternalID(ctx, "sub_live")
		assert.Equal(t, StatusPastDue, stored.Status)
		assert.False(t, stored.GrantsAccess(testNow))
	})

	t.Run("payment events without subscription are ignored", func(t *testing.T) {
		t.Parallel()
		svc := NewService(newMemStore(), &MockGateway{}, WithClock(fixedClock))
		assert.NoError(t, svc.ApplyEvent(ctx, Event{Kind: EventPaymentSucceeded}))
		assert.NoError(t, svc.ApplyEvent(ctx, Event{Kind: EventPaymentFailed}))
	})
}

func TestApplyEventUnknownKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemStore(activeRow(uuid.New()))
	svc := NewService(store, &MockGateway{}, WithClock(fixedClock))

	err := svc.ApplyEvent(ctx, Event{Kind: EventKind("customer.updated"), SubscriptionID: "sub_live"})
	require.NoError(t, err)

	stored, _ := store.ByExternalID(ctx, "sub_live")
	assert.Equal(t, StatusActive, stored.Status)
}
