package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func activeRow(ownerID uuid.UUID) *Subscription {
	return &Subscription{
		ID:                     uuid.New(),
		OwnerID:                ownerID,
		ExternalSubscriptionID: "sub_live",
		ExternalCustomerID:     "cus_1",
		Status:                 StatusActive,
		CurrentPeriodStart:     testNow.AddDate(0, 0, -10),
		CurrentPeriodEnd:       testNow.AddDate(0, 0, 20),
		PriceID:                "price_basic",
		Amount:                 1500,
		Currency:               "usd",
		PaymentMethodID:        "pm_1",
		OfferStatus:            OfferNone,
		CreatedAt:              testNow.AddDate(0, -1, 0),
		UpdatedAt:              testNow.AddDate(0, -1, 0),
	}
}

func TestNewService(t *testing.T) {
	t.Parallel()

	t.Run("panics without store", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { NewService(nil, &MockGateway{}) })
	})

	t.Run("panics without gateway", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { NewService(newMemStore(), nil) })
	})
}

func TestServiceCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates subscription after gateway succeeds", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore()
		gw := &MockGateway{}

		gw.On("EnsureCustomer", ctx, "", "owner@example.com", "Owner").
			Return(&GatewayCustomer{ID: "cus_new"}, nil)
		gw.On("GetPaymentMethod", ctx, "pm_raw").
			Return(&GatewayPaymentMethod{ID: "pm_raw", Fingerprint: "fp1"}, nil)
		gw.On("ListPaymentMethods", ctx, "cus_new").
			Return([]GatewayPaymentMethod{}, nil)
		gw.On("AttachPaymentMethod", ctx, "cus_new", "pm_raw").
			Return(&GatewayPaymentMethod{ID: "pm_raw"}, nil)
		gw.On("SetDefaultPaymentMethod", ctx, "cus_new", "pm_raw").Return(nil)
		gw.On("GetPrice", ctx, "price_basic").
			Return(&GatewayPrice{ID: "price_basic", Amount: 1500, Currency: "usd", Interval: IntervalMonth, IntervalCount: 1}, nil)
		gw.On("ListOpenCommitments", ctx, "cus_new").
			Return([]OpenCommitment{}, nil)
		gw.On("CreateSubscription", ctx, "cus_new", "price_basic", "pm_raw").
			Return(&GatewaySubscription{
				ID:                 "sub_1",
				CustomerID:         "cus_new",
				Status:             StatusActive,
				CurrentPeriodStart: testNow,
				CurrentPeriodEnd:   testNow.AddDate(0, 1, 0),
			}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.Create(ctx, CreateParams{
			OwnerID:         ownerID,
			Email:           "owner@example.com",
			Name:            "Owner",
			PriceID:         "price_basic",
			PaymentMethodID: "pm_raw",
		})
		require.NoError(t, err)
		require.NotNil(t, sub)

		assert.Equal(t, "sub_1", sub.ExternalSubscriptionID)
		assert.Equal(t, StatusActive, sub.Status)
		assert.Equal(t, int64(1500), sub.Amount)
		assert.Equal(t, "usd", sub.Currency)
		assert.Equal(t, OfferNone, sub.OfferStatus)

		stored, err := store.ByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, ownerID, stored.OwnerID)
		gw.AssertExpectations(t)
	})

	t.Run("rejects when live subscription exists", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		gw := &MockGateway{}

		svc := NewService(store, gw, WithClock(fixedClock))
		_, err := svc.Create(ctx, CreateParams{OwnerID: ownerID, PriceID: "price_basic", PaymentMethodID: "pm_1"})
		assert.ErrorIs(t, err, ErrSubscriptionExists)
		gw.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects when canceled row still has paid time", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		row.Status = StatusCanceled
		store := newMemStore(row)

		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))
		_, err := svc.Create(ctx, CreateParams{OwnerID: ownerID, PriceID: "price_basic", PaymentMethodID: "pm_1"})
		assert.ErrorIs(t, err, ErrSubscriptionExists)
	})

	t.Run("allows create after period elapsed", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		row.Status = StatusCanceled
		row.CurrentPeriodEnd = testNow.AddDate(0, 0, -1)
		store := newMemStore(row)
		gw := &MockGateway{}

		// Existing customer id is reused for the new lifecycle.
		gw.On("EnsureCustomer", ctx, "cus_1", "owner@example.com", "").
			Return(&GatewayCustomer{ID: "cus_1"}, nil)
		gw.On("GetPaymentMethod", ctx, "pm_1").
			Return(&GatewayPaymentMethod{ID: "pm_1", Fingerprint: "fp1"}, nil)
		gw.On("ListPaymentMethods", ctx, "cus_1").
			Return([]GatewayPaymentMethod{{ID: "pm_1", Fingerprint: "fp1"}}, nil)
		gw.On("SetDefaultPaymentMethod", ctx, "cus_1", "pm_1").Return(nil)
		gw.On("GetPrice", ctx, "price_basic").
			Return(&GatewayPrice{ID: "price_basic", Amount: 1500, Currency: "usd"}, nil)
		gw.On("ListOpenCommitments", ctx, "cus_1").Return([]OpenCommitment{}, nil)
		gw.On("CreateSubscription", ctx, "cus_1", "price_basic", "pm_1").
			Return(&GatewaySubscription{ID: "sub_2", Status: StatusActive, CurrentPeriodStart: testNow, CurrentPeriodEnd: testNow.AddDate(0, 1, 0)}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.Create(ctx, CreateParams{OwnerID: ownerID, Email: "owner@example.com", PriceID: "price_basic", PaymentMethodID: "pm_1"})
		require.NoError(t, err)
		assert.Equal(t, "sub_2", sub.ExternalSubscriptionID)
		gw.AssertNotCalled(t, "AttachPaymentMethod", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("propagates gateway failure without local write", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore()
		gw := &MockGateway{}
		gw.On("EnsureCustomer", ctx, "", "", "").
			Return(nil, ErrGateway)

		svc := NewService(store, gw, WithClock(fixedClock))
		_, err := svc.Create(ctx, CreateParams{OwnerID: ownerID, PriceID: "price_basic", PaymentMethodID: "pm_1"})
		assert.ErrorIs(t, err, ErrGateway)
		assert.Empty(t, store.rows)
	})

	t.Run("reports store failure after gateway commit", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore()
		store.failWrites = true
		gw := &MockGateway{}
		gw.On("EnsureCustomer", ctx, "", "", "").Return(&GatewayCustomer{ID: "cus_x"}, nil)
		gw.On("GetPaymentMethod", ctx, "pm_1").Return(&GatewayPaymentMethod{ID: "pm_1"}, nil)
		gw.On("AttachPaymentMethod", ctx, "cus_x", "pm_1").Return(&GatewayPaymentMethod{ID: "pm_1"}, nil)
		gw.On("SetDefaultPaymentMethod", ctx, "cus_x", "pm_1").Return(nil)
		gw.On("GetPrice", ctx, "price_basic").Return(&GatewayPrice{ID: "price_basic", Currency: "usd"}, nil)
		gw.On("ListOpenCommitments", ctx, "cus_x").Return([]OpenCommitment{}, nil)
		gw.On("CreateSubscription", ctx, "cus_x", "price_basic", "pm_1").
			Return(&GatewaySubscription{ID: "sub_x", Status: StatusActive}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		_, err := svc.Create(ctx, CreateParams{OwnerID: ownerID, PriceID: "price_basic", PaymentMethodID: "pm_1"})
		assert.ErrorIs(t, err, ErrStoreWrite)
	})
}

func TestServiceCancelDeferred(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("schedules cancellation at period end", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		store := newMemStore(row)
		gw := &MockGateway{}
		gw.On("SetCancelAtPeriodEnd", ctx, "sub_live", true).
			Return(&GatewaySubscription{ID: "sub_live", Status: StatusActive, CancelAtPeriodEnd: true}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.CancelDeferred(ctx, ownerID)
		require.NoError(t, err)

		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, StatusActive, sub.Status)
		// Access continues until the paid-through period elapses.
		assert.True(t, sub.GrantsAccess(testNow))
		gw.AssertExpectations(t)
	})

	t.Run("rejects without eligible subscription", func(t *testing.T) {
		t.Parallel()
		svc := NewService(newMemStore(), &MockGateway{}, WithClock(fixedClock))
		_, err := svc.CancelDeferred(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNoEligibleSubscription)
	})

	t.Run("rejects offer pseudo-rows", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		row.ExternalSubscriptionID = NewSyntheticExternalID()
		row.IsSpecialOffer = true
		store := newMemStore(row)

		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))
		_, err := svc.CancelDeferred(ctx, ownerID)
		assert.ErrorIs(t, err, ErrNoEligibleSubscription)
	})
}

func TestServiceCancelImmediate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("cancels at the gateway then locally", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		gw := &MockGateway{}
		gw.On("CancelSubscription", ctx, "sub_live").
			Return(&GatewaySubscription{ID: "sub_live", Status: StatusCanceled}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.CancelImmediate(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, sub.Status)
		gw.AssertExpectations(t)
	})

	t.Run("gateway failure leaves local row untouched", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		gw := &MockGateway{}
		gw.On("CancelSubscription", ctx, "sub_live").Return(nil, ErrGateway)

		svc := NewService(store, gw, WithClock(fixedClock))
		_, err := svc.CancelImmediate(ctx, ownerID)
		assert.ErrorIs(t, err, ErrGateway)

		stored, err := store.ByExternalID(ctx, "sub_live")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, stored.Status)
	})

	t.Run("synthetic offer row cancels locally and notifies", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		row.ExternalSubscriptionID = NewSyntheticExternalID()
		row.IsSpecialOffer = true
		row.OfferStatus = OfferApplied
		store := newMemStore(row)
		notifier := &recordingNotifier{}
		gw := &MockGateway{}

		svc := NewService(store, gw, WithClock(fixedClock), WithNotifier(notifier))
		sub, err := svc.CancelImmediate(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, sub.Status)
		assert.Equal(t, []uuid.UUID{ownerID}, notifier.canceled)
		gw.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything)
	})
}

func TestServicePauseResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pauses collection", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))
		gw := &MockGateway{}
		gw.On("PauseSubscription", ctx, "sub_live").
			Return(&GatewaySubscription{ID: "sub_live", Status: StatusActive, Paused: true}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.Pause(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, sub.Status)
		assert.False(t, sub.GrantsAccess(testNow))
	})

	t.Run("resumes paused subscription", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		row.Status = StatusPaused
		row.CancelAtPeriodEnd = true
		store := newMemStore(row)
		gw := &MockGateway{}
		gw.On("ResumeSubscription", ctx, "sub_live").
			Return(&GatewaySubscription{ID: "sub_live", Status: StatusActive}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.Resume(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, sub.Status)
		assert.False(t, sub.CancelAtPeriodEnd)
	})

	t.Run("resume rejects active subscription", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID))

		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))
		_, err := svc.Resume(ctx, ownerID)
		assert.ErrorIs(t, err, ErrNoEligibleSubscription)
	})

	t.Run("pause rejects past_due subscription", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		row := activeRow(ownerID)
		row.Status = StatusPastDue
		store := newMemStore(row)

		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))
		_, err := svc.Pause(ctx, ownerID)
		assert.ErrorIs(t, err, ErrNoEligibleSubscription)
	})
}

func TestLifecycleWithStandingOffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("immediate cancel targets the subscription under a standing offer", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		offer := offerRow(ownerID, OfferOffered)
		store := newMemStore(activeRow(ownerID), offer)
		gw := &MockGateway{}
		gw.On("CancelSubscription", ctx, "sub_live").
			Return(&GatewaySubscription{ID: "sub_live", Status: StatusCanceled}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.CancelImmediate(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, "sub_live", sub.ExternalSubscriptionID)
		assert.Equal(t, StatusCanceled, sub.Status)
		gw.AssertExpectations(t)

		// The standing offer row keeps book-keeping the offer, untouched.
		stored, err := store.ByExternalID(ctx, offer.ExternalSubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, OfferOffered, stored.OfferStatus)
		assert.Equal(t, StatusIncomplete, stored.Status)
	})

	t.Run("pause targets the subscription under a standing offer", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID), offerRow(ownerID, OfferOffered))
		gw := &MockGateway{}
		gw.On("PauseSubscription", ctx, "sub_live").
			Return(&GatewaySubscription{ID: "sub_live", Status: StatusActive}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.Pause(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, "sub_live", sub.ExternalSubscriptionID)
		assert.Equal(t, StatusPaused, sub.Status)
		gw.AssertExpectations(t)
	})

	t.Run("deferred cancel works past a declined offer row", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID), offerRow(ownerID, OfferDeclined))
		gw := &MockGateway{}
		gw.On("SetCancelAtPeriodEnd", ctx, "sub_live", true).
			Return(&GatewaySubscription{ID: "sub_live", Status: StatusActive}, nil)

		svc := NewService(store, gw, WithClock(fixedClock))
		sub, err := svc.CancelDeferred(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, "sub_live", sub.ExternalSubscriptionID)
		assert.True(t, sub.CancelAtPeriodEnd)
		gw.AssertExpectations(t)
	})

	t.Run("create still refuses while the live row sits under a standing offer", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(activeRow(ownerID), offerRow(ownerID, OfferOffered))
		gw := &MockGateway{}

		svc := NewService(store, gw, WithClock(fixedClock))
		_, err := svc.Create(ctx, CreateParams{OwnerID: ownerID, PriceID: "price_basic", PaymentMethodID: "pm_raw"})
		assert.ErrorIs(t, err, ErrSubscriptionExists)
		gw.AssertNotCalled(t, "EnsureCustomer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		gw.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("no live subscription under the offer still reports no eligible", func(t *testing.T) {
		t.Parallel()
		ownerID := uuid.New()
		store := newMemStore(offerRow(ownerID, OfferOffered))

		svc := NewService(store, &MockGateway{}, WithClock(fixedClock))
		_, err := svc.CancelImmediate(ctx, ownerID)
		assert.ErrorIs(t, err, ErrNoEligibleSubscription)
	})
}
