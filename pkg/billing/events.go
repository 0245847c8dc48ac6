package billing

import "time"

// EventKind is the normalized kind of an asynchronous gateway event.
type EventKind string

const (
	EventSubscriptionCreated EventKind = "subscription.created"
	EventSubscriptionUpdated EventKind = "subscription.updated"
	EventSubscriptionDeleted EventKind = "subscription.deleted"
	EventSubscriptionPaused  EventKind = "subscription.paused"
	EventSubscriptionResumed EventKind = "subscription.resumed"
	EventPaymentSucceeded    EventKind = "invoice.payment_succeeded"
	EventPaymentFailed       EventKind = "invoice.payment_failed"
)

// Event is one verified, parsed webhook delivery. The HTTP boundary owns
// signature verification; the engine only ever sees events that passed it.
//
// Delivery is at-least-once with no ordering guarantee, so Event carries the
// gateway's latest known truth (Object) rather than a delta.
type Event struct {
	Kind           EventKind
	SubscriptionID string
	CustomerID     string
	// Object holds the affected subscription for subscription.* kinds.
	// Invoice kinds carry only the ids.
	Object     *GatewaySubscription
	OccurredAt time.Time
}
