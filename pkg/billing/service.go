package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service is the public interface of the billing engine. User-facing actions
// enter through it, webhook deliveries reach it via ApplyEvent, and the query
// methods never mutate state.
type Service interface {
	// Subscription lifecycle
	Create(ctx context.Context, params CreateParams) (*Subscription, error)
	CancelDeferred(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)
	CancelImmediate(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)
	Pause(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)
	Resume(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)
	ChangeCard(ctx context.Context, ownerID uuid.UUID, paymentMethodID string) (*Subscription, error)

	// Special offer
	CheckEligibility(ctx context.Context, ownerID uuid.UUID) (*OfferDetails, error)
	ApplyOffer(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)
	DeclineOffer(ctx context.Context, ownerID uuid.UUID) (*Subscription, error)

	// Webhook reconciliation
	ApplyEvent(ctx context.Context, event Event) error

	// Read side
	AccessStatus(ctx context.Context, ownerID uuid.UUID) (*Access, error)
	StatusCounts(ctx context.Context) (map[Status]int64, error)
	PaymentHistory(ctx context.Context, ownerID uuid.UUID) ([]Payment, error)
}

// CreateParams describes a subscription-create request. The owner identity
// comes from the access provider and is trusted as given.
type CreateParams struct {
	OwnerID         uuid.UUID
	Email           string
	Name            string
	PriceID         string
	PaymentMethodID string
}

type service struct {
	store    Store
	gateway  PaymentGateway
	notifier Notifier
	logger   *slog.Logger
	offerFSM *offerMachine

	// offerCouponID is the configured one-time discount definition at the
	// gateway. Empty disables the special offer flow.
	offerCouponID string

	now func() time.Time
}

// NewService creates the billing engine. Panics on nil store or gateway to
// fail fast during initialization.
func NewService(store Store, gateway PaymentGateway, opts ...ServiceOption) Service {
	if store == nil {
		panic("billing: Store is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}

	s := &service{
		store:    store,
		gateway:  gateway,
		notifier: noopNotifier{},
		logger:   slog.New(discardHandler{}),
		offerFSM: newOfferMachine(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create provisions a new subscription: precondition check, customer ensure,
// payment method attach-or-reuse, currency guard, gateway subscription
// create, then the local write. The local row is written only after the
// gateway call succeeded; a retry after a failed local write converges via
// the upsert keyed on the gateway's subscription id.
func (s *service) Create(ctx context.Context, params CreateParams) (*Subscription, error) {
	now := s.now()

	rows, err := s.store.ListByOwner(ctx, params.OwnerID)
	if err != nil {
		return nil, err
	}
	// Any blocking row anywhere in history forbids the create; the newest
	// row may be an offer pseudo-row sitting above a still-live subscription.
	for i := range rows {
		if blocksCreate(&rows[i], now) {
			return nil, ErrSubscriptionExists
		}
	}

	var existingCustomerID string
	for i := range rows {
		if rows[i].ExternalCustomerID != "" {
			existingCustomerID = rows[i].ExternalCustomerID
			break
		}
	}
	cust, err := s.gateway.EnsureCustomer(ctx, existingCustomerID, params.Email, params.Name)
	if err != nil {
		return nil, err
	}

	paymentMethodID, err := s.attachOrReuse(ctx, cust.ID, params.PaymentMethodID)
	if err != nil {
		return nil, err
	}

	price, err := s.gateway.GetPrice(ctx, params.PriceID)
	if err != nil {
		return nil, err
	}
	if err := s.checkCurrencyConsistency(ctx, cust.ID, price.Currency); err != nil {
		return nil, err
	}

	gwSub, err := s.gateway.CreateSubscription(ctx, cust.ID, params.PriceID, paymentMethodID)
	if err != nil {
		return nil, err
	}

	row := &Subscription{
		ID:                     uuid.New(),
		OwnerID:                params.OwnerID,
		ExternalSubscriptionID: gwSub.ID,
		ExternalCustomerID:     cust.ID,
		Status:                 gwSub.Status,
		CancelAtPeriodEnd:      gwSub.CancelAtPeriodEnd,
		CurrentPeriodStart:     gwSub.CurrentPeriodStart,
		CurrentPeriodEnd:       gwSub.CurrentPeriodEnd,
		PriceID:                params.PriceID,
		Amount:                 price.Amount,
		Currency:               price.Currency,
		PaymentMethodID:        paymentMethodID,
		OfferStatus:            OfferNone,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.persistAfterGateway(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// blocksCreate reports whether an existing row forbids creating another
// subscription for the same owner.
func blocksCreate(sub *Subscription, now time.Time) bool {
	switch sub.Status {
	case StatusActive, StatusTrialing, StatusCanceled:
		return sub.HasFuturePeriod(now)
	default:
		return false
	}
}

// CancelDeferred schedules cancellation at the end of the current billing
// period. Special-offer rows have no gateway object to defer on, so they are
// not eligible.
func (s *service) CancelDeferred(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	now := s.now()
	row, err := s.currentRow(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !row.Cancelable(now) || row.IsSpecialOffer {
		return nil, ErrNoEligibleSubscription
	}

	gwSub, err := s.gateway.SetCancelAtPeriodEnd(ctx, row.ExternalSubscriptionID, true)
	if err != nil {
		return nil, err
	}

	row.CancelAtPeriodEnd = true
	row.Status = gwSub.Status
	row.UpdatedAt = now
	if err := s.persistAfterGateway(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// CancelImmediate ends the subscription right away. Special-offer rows are
// local pseudo-subscriptions, so no gateway cancellation call is issued for
// them.
func (s *service) CancelImmediate(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	now := s.now()
	row, err := s.currentRow(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !row.Cancelable(now) {
		return nil, ErrNoEligibleSubscription
	}

	if row.IsSynthetic() {
		row.Status = StatusCanceled
		row.UpdatedAt = now
		if err := s.store.UpsertByExternalID(ctx, row); err != nil {
			return nil, errors.Join(ErrStoreWrite, err)
		}
		s.notifyCanceled(ctx, row)
		return row, nil
	}

	gwSub, err := s.gateway.CancelSubscription(ctx, row.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	row.Status = StatusCanceled
	if gwSub.Status != "" {
		row.Status = gwSub.Status
	}
	row.UpdatedAt = now
	if err := s.persistAfterGateway(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Pause suspends collection without ending the subscription.
func (s *service) Pause(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	now := s.now()
	row, err := s.currentRow(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !row.Pausable(now) {
		return nil, ErrNoEligibleSubscription
	}

	if !row.IsSynthetic() {
		if _, err := s.gateway.PauseSubscription(ctx, row.ExternalSubscriptionID); err != nil {
			return nil, err
		}
	}

	row.Status = StatusPaused
	row.UpdatedAt = now
	if err := s.persistAfterGateway(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Resume reinstates a paused or canceled-but-not-elapsed subscription.
func (s *service) Resume(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	now := s.now()
	row, err := s.currentRow(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !row.Resumable() {
		return nil, ErrNoEligibleSubscription
	}

	if !row.IsSynthetic() {
		if _, err := s.gateway.ResumeSubscription(ctx, row.ExternalSubscriptionID); err != nil {
			return nil, err
		}
	}

	row.Status = StatusActive
	row.CancelAtPeriodEnd = false
	row.UpdatedAt = now
	if err := s.persistAfterGateway(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// currentRow loads the owner's latest lifecycle row, skipping pending offer
// pseudo-rows: an eligibility check inserts one above the live subscription,
// and lifecycle actions must keep targeting the subscription underneath.
func (s *service) currentRow(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	rows, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrNoEligibleSubscription
		}
		return nil, err
	}
	for i := range rows {
		if rows[i].PendingOffer() {
			continue
		}
		row := rows[i]
		return &row, nil
	}
	return nil, ErrNoEligibleSubscription
}

// persistAfterGateway writes the local projection after a successful gateway
// call. A failure here leaves gateway and local truth drifted until the next
// webhook delivery for the same subscription id repairs it, so it is logged
// at error level and wrapped in ErrStoreWrite.
func (s *service) persistAfterGateway(ctx context.Context, row *Subscription) error {
	if err := s.store.UpsertByExternalID(ctx, row); err != nil {
		s.logger.ErrorContext(ctx, "local write failed after gateway commit; state drifted until next webhook",
			slog.String("external_subscription_id", row.ExternalSubscriptionID),
			slog.String("owner_id", row.OwnerID.String()),
			slog.Any("error", err),
		)
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

func (s *service) notifyCanceled(ctx context.Context, row *Subscription) {
	if err := s.notifier.SubscriptionCanceled(ctx, row.OwnerID, row); err != nil {
		s.logger.WarnContext(ctx, "cancellation notification failed",
			slog.String("owner_id", row.OwnerID.String()),
			slog.Any("error", err),
		)
	}
}

func (s *service) notifyOfferExpired(ctx context.Context, row *Subscription) {
	if err := s.notifier.OfferExpired(ctx, row.OwnerID, row); err != nil {
		s.logger.WarnContext(ctx, "offer expiry notification failed",
			slog.String("owner_id", row.OwnerID.String()),
			slog.Any("error", err),
		)
	}
}

// discardHandler is the default logger backend; callers opt into logging via
// WithLogger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
