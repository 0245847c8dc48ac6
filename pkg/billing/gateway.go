package billing

import (
	"context"
	"time"
)

// BillingInterval is a plan's billing cadence unit as reported by the gateway.
type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// GatewayCustomer is the gateway's customer object, reduced to what the
// engine needs.
type GatewayCustomer struct {
	ID    string
	Email string
}

// GatewaySubscription is the gateway's view of a subscription. It is the
// source of truth the local projection converges towards.
type GatewaySubscription struct {
	ID                 string
	CustomerID         string
	Status             Status
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	PriceID            string
	Amount             int64
	Currency           string
	PaymentMethodID    string
	// Paused is derived from the gateway's collection-behavior flag, which
	// upstream does not surface as a status value.
	Paused bool
}

// GatewayPaymentMethod is a saved payment instrument. Fingerprint identifies
// the physical card independent of the instrument id.
type GatewayPaymentMethod struct {
	ID          string
	Fingerprint string
	Brand       string
	Last4       string
}

// GatewayCoupon is a discount definition held at the gateway. Exactly one of
// PercentOff or AmountOff is set.
type GatewayCoupon struct {
	ID         string
	Name       string
	PercentOff float64
	AmountOff  int64
	Currency   string
}

// GatewayPrice is a catalog price snapshot.
type GatewayPrice struct {
	ID            string
	Amount        int64
	Currency      string
	Interval      BillingInterval
	IntervalCount int64
}

// Payment is one entry of an owner's payment history, passed through from the
// gateway by the query layer.
type Payment struct {
	ID         string
	Number     string
	Status     string
	AmountPaid int64
	AmountDue  int64
	Currency   string
	CreatedAt  time.Time
	InvoiceURL string
}

// OpenCommitment is any open monetary commitment a customer holds at the
// gateway. The currency consistency guard enumerates these before creating a
// new subscription.
type OpenCommitment struct {
	Kind     string // "subscription", "schedule", "quote" or "invoice_item"
	ID       string
	Currency string
}

// PaymentGateway abstracts the synchronous request/response surface of the
// external payment gateway. Implementations wrap every failure in ErrGateway
// so callers can tell upstream faults apart from domain errors. The gateway
// client is expected to enforce its own timeouts; no retries happen here.
type PaymentGateway interface {
	// EnsureCustomer returns the customer identified by existingID when it
	// is still present at the gateway, otherwise looks one up by email or
	// creates a new one.
	EnsureCustomer(ctx context.Context, existingID, email, name string) (*GatewayCustomer, error)

	CreateSubscription(ctx context.Context, customerID, priceID, paymentMethodID string) (*GatewaySubscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)
	// SetCancelAtPeriodEnd schedules or unschedules a deferred cancellation.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*GatewaySubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)
	PauseSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)

	// AttachCoupon applies a one-shot coupon to the subscription so it
	// discounts the next invoice only, returning the realized coupon terms.
	AttachCoupon(ctx context.Context, subscriptionID, couponID string) (*GatewayCoupon, error)

	GetPaymentMethod(ctx context.Context, paymentMethodID string) (*GatewayPaymentMethod, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]GatewayPaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*GatewayPaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	SetSubscriptionPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) (*GatewaySubscription, error)

	GetCoupon(ctx context.Context, couponID string) (*GatewayCoupon, error)
	GetPrice(ctx context.Context, priceID string) (*GatewayPrice, error)

	ListPayments(ctx context.Context, customerID string) ([]Payment, error)
	ListOpenCommitments(ctx context.Context, customerID string) ([]OpenCommitment, error)
}
