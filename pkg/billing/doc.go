// Package billing implements the subscription lifecycle and reconciliation
// engine: user-initiated subscription actions, a one-time special-offer flow,
// payment method management with card-fingerprint dedup, and idempotent
// reconciliation of asynchronous gateway webhook events into a local
// subscription projection.
//
// The gateway is the source of truth. Action paths call the gateway first and
// write locally only after the call succeeded; webhook reconciliation then
// converges the local row towards whatever the gateway last reported, keyed
// by the gateway's subscription id. At-least-once, unordered webhook delivery
// is assumed throughout, so every reconciliation write is an idempotent
// upsert and billing windows only ever move forward.
//
// # Usage
//
//	store := billing.NewMongoStore(db)
//	gateway, err := billing.NewStripeGateway(billing.StripeConfig{APIKey: key})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	svc := billing.NewService(store, gateway,
//		billing.WithLogger(logger),
//		billing.WithOfferCoupon("retention-20"),
//	)
//
//	sub, err := svc.Create(ctx, billing.CreateParams{
//		OwnerID:         ownerID,
//		Email:           "owner@example.com",
//		PriceID:         "price_123",
//		PaymentMethodID: "pm_456",
//	})
//
// # Error Handling
//
// Failures split into three classes. Domain errors (ErrSubscriptionExists,
// ErrOfferAlreadyUsed, ...) are expected precondition misses; check them with
// errors.Is or IsDomainError. ErrGateway wraps upstream faults. ErrStoreWrite
// marks persistence failures; when it follows a successful gateway call, the
// local projection has drifted and the next webhook delivery repairs it.
//
// Notification failures never surface: a billing transition that succeeded
// stays succeeded even when the email about it could not be sent.
package billing
