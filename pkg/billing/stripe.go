package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/coupon"
	"github.com/stripe/stripe-go/v78/customer"
	"github.com/stripe/stripe-go/v78/invoice"
	"github.com/stripe/stripe-go/v78/invoiceitem"
	"github.com/stripe/stripe-go/v78/paymentmethod"
	"github.com/stripe/stripe-go/v78/price"
	"github.com/stripe/stripe-go/v78/quote"
	sub "github.com/stripe/stripe-go/v78/subscription"
	"github.com/stripe/stripe-go/v78/subscriptionschedule"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeConfig holds configuration for the Stripe gateway.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeGateway implements PaymentGateway on top of the Stripe API.
type StripeGateway struct {
	config StripeConfig
}

// NewStripeGateway creates the Stripe-backed gateway. The API key is set
// globally on the Stripe SDK, so one process talks to one Stripe account.
func NewStripeGateway(config StripeConfig) (*StripeGateway, error) {
	if config.APIKey == "" {
		return nil, errors.New("stripe API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}

	stripe.Key = config.APIKey

	return &StripeGateway{config: config}, nil
}

// wrapErr marks a Stripe failure as an upstream gateway error, preserving the
// Stripe error detail for the caller's retry decision.
func wrapErr(err error) error {
	return errors.Join(ErrGateway, err)
}

func (g *StripeGateway) EnsureCustomer(ctx context.Context, existingID, email, name string) (*GatewayCustomer, error) {
	if existingID != "" {
		params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
		c, err := customer.Get(existingID, params)
		if err == nil && !c.Deleted {
			return &GatewayCustomer{ID: c.ID, Email: c.Email}, nil
		}
		// Stale local reference; fall through to lookup/create.
	}

	if email != "" {
		listParams := &stripe.CustomerListParams{Email: stripe.String(email)}
		listParams.Context = ctx
		listParams.Limit = stripe.Int64(1)
		it := customer.List(listParams)
		for it.Next() {
			c := it.Customer()
			return &GatewayCustomer{ID: c.ID, Email: c.Email}, nil
		}
		if err := it.Err(); err != nil {
			return nil, wrapErr(err)
		}
	}

	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	c, err := customer.New(params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &GatewayCustomer{ID: c.ID, Email: c.Email}, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, customerID, priceID, paymentMethodID string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		PaymentBehavior: stripe.String("error_if_incomplete"),
	}
	if paymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(paymentMethodID)
	}
	params.AddExpand("default_payment_method")
	params.AddExpand("items.data.price")

	s, err := sub.New(params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewaySubscription(s), nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("default_payment_method")
	s, err := sub.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewaySubscription(s), nil
}

func (g *StripeGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	s, err := sub.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewaySubscription(s), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionCancelParams{Params: stripe.Params{Context: ctx}}
	s, err := sub.Cancel(subscriptionID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewaySubscription(s), nil
}

func (g *StripeGateway) PauseSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String(string(stripe.SubscriptionPauseCollectionBehaviorMarkUncollectible)),
		},
	}
	s, err := sub.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewaySubscription(s), nil
}

func (g *StripeGateway) ResumeSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	// Clearing pause_collection requires sending an empty value, which the
	// typed params cannot express.
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	params.AddExtra("pause_collection", "")
	s, err := sub.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewaySubscription(s), nil
}

func (g *StripeGateway) AttachCoupon(ctx context.Context, subscriptionID, couponID string) (*GatewayCoupon, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Coupon: stripe.String(couponID),
	}
	s, err := sub.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	if s.Discount != nil && s.Discount.Coupon != nil {
		return toGatewayCoupon(s.Discount.Coupon), nil
	}
	// The update response does not always carry the discount back; fetch the
	// coupon definition as the realized terms.
	return g.GetCoupon(ctx, couponID)
}

func (g *StripeGateway) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*GatewayPaymentMethod, error) {
	params := &stripe.PaymentMethodParams{Params: stripe.Params{Context: ctx}}
	pm, err := paymentmethod.Get(paymentMethodID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewayPaymentMethod(pm), nil
}

func (g *StripeGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]GatewayPaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String("card"),
	}
	params.Context = ctx

	var methods []GatewayPaymentMethod
	it := paymentmethod.List(params)
	for it.Next() {
		methods = append(methods, *toGatewayPaymentMethod(it.PaymentMethod()))
	}
	if err := it.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return methods, nil
}

func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*GatewayPaymentMethod, error) {
	params := &stripe.PaymentMethodAttachParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	}
	pm, err := paymentmethod.Attach(paymentMethodID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewayPaymentMethod(pm), nil
}

func (g *StripeGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	if _, err := customer.Update(customerID, params); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (g *StripeGateway) SetSubscriptionPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{
		Params:               stripe.Params{Context: ctx},
		DefaultPaymentMethod: stripe.String(paymentMethodID),
	}
	s, err := sub.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewaySubscription(s), nil
}

func (g *StripeGateway) GetCoupon(ctx context.Context, couponID string) (*GatewayCoupon, error) {
	params := &stripe.CouponParams{Params: stripe.Params{Context: ctx}}
	c, err := coupon.Get(couponID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toGatewayCoupon(c), nil
}

func (g *StripeGateway) GetPrice(ctx context.Context, priceID string) (*GatewayPrice, error) {
	params := &stripe.PriceParams{Params: stripe.Params{Context: ctx}}
	p, err := price.Get(priceID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	gp := &GatewayPrice{
		ID:       p.ID,
		Amount:   p.UnitAmount,
		Currency: string(p.Currency),
	}
	if p.Recurring != nil {
		gp.Interval = BillingInterval(p.Recurring.Interval)
		gp.IntervalCount = p.Recurring.IntervalCount
	}
	return gp, nil
}

func (g *StripeGateway) ListPayments(ctx context.Context, customerID string) ([]Payment, error) {
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var payments []Payment
	it := invoice.List(params)
	for it.Next() {
		inv := it.Invoice()
		payments = append(payments, Payment{
			ID:         inv.ID,
			Number:     inv.Number,
			Status:     string(inv.Status),
			AmountPaid: inv.AmountPaid,
			AmountDue:  inv.AmountDue,
			Currency:   string(inv.Currency),
			CreatedAt:  time.Unix(inv.Created, 0).UTC(),
			InvoiceURL: inv.HostedInvoiceURL,
		})
	}
	if err := it.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return payments, nil
}

// ListOpenCommitments fans out over every kind of open monetary commitment a
// customer can hold: active subscriptions, subscription schedules, open
// quotes and pending invoice items. The currency guard built on top of it is
// advisory, so partial visibility (an unexpanded price on a schedule phase)
// degrades to a smaller scan rather than an error.
func (g *StripeGateway) ListOpenCommitments(ctx context.Context, customerID string) ([]OpenCommitment, error) {
	var commitments []OpenCommitment

	subParams := &stripe.SubscriptionListParams{Customer: stripe.String(customerID)}
	subParams.Context = ctx
	subIt := sub.List(subParams)
	for subIt.Next() {
		s := subIt.Subscription()
		switch s.Status {
		case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
			continue
		}
		commitments = append(commitments, OpenCommitment{
			Kind:     "subscription",
			ID:       s.ID,
			Currency: string(s.Currency),
		})
	}
	if err := subIt.Err(); err != nil {
		return nil, wrapErr(err)
	}

	schedParams := &stripe.SubscriptionScheduleListParams{Customer: stripe.String(customerID)}
	schedParams.Context = ctx
	schedParams.AddExpand("data.phases.items.price")
	schedIt := subscriptionschedule.List(schedParams)
	for schedIt.Next() {
		sched := schedIt.SubscriptionSchedule()
		switch sched.Status {
		case stripe.SubscriptionScheduleStatusCanceled, stripe.SubscriptionScheduleStatusCompleted, stripe.SubscriptionScheduleStatusReleased:
			continue
		}
		for _, phase := range sched.Phases {
			for _, item := range phase.Items {
				if item.Price == nil || item.Price.Currency == "" {
					continue
				}
				commitments = append(commitments, OpenCommitment{
					Kind:     "schedule",
					ID:       sched.ID,
					Currency: string(item.Price.Currency),
				})
			}
		}
	}
	if err := schedIt.Err(); err != nil {
		return nil, wrapErr(err)
	}

	quoteParams := &stripe.QuoteListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.QuoteStatusOpen)),
	}
	quoteParams.Context = ctx
	quoteIt := quote.List(quoteParams)
	for quoteIt.Next() {
		q := quoteIt.Quote()
		commitments = append(commitments, OpenCommitment{
			Kind:     "quote",
			ID:       q.ID,
			Currency: string(q.Currency),
		})
	}
	if err := quoteIt.Err(); err != nil {
		return nil, wrapErr(err)
	}

	itemParams := &stripe.InvoiceItemListParams{
		Customer: stripe.String(customerID),
		Pending:  stripe.Bool(true),
	}
	itemParams.Context = ctx
	itemIt := invoiceitem.List(itemParams)
	for itemIt.Next() {
		item := itemIt.InvoiceItem()
		commitments = append(commitments, OpenCommitment{
			Kind:     "invoice_item",
			ID:       item.ID,
			Currency: string(item.Currency),
		})
	}
	if err := itemIt.Err(); err != nil {
		return nil, wrapErr(err)
	}

	return commitments, nil
}

// ParseEvent verifies a webhook envelope's signature and normalizes it into
// an Event. Intended for the HTTP boundary; the engine itself only ever
// receives the parsed result.
func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signature, g.config.WebhookSecret)
	if err != nil {
		return nil, wrapErr(fmt.Errorf("webhook verification failed: %w", err))
	}

	event := &Event{
		Kind:       mapStripeEventType(string(stripeEvent.Type)),
		OccurredAt: time.Unix(stripeEvent.Created, 0).UTC(),
	}

	switch event.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed:
		var s stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("failed to parse subscription payload: %w", err)
		}
		event.Object = toGatewaySubscription(&s)
		event.SubscriptionID = event.Object.ID
		event.CustomerID = event.Object.CustomerID

	case EventPaymentSucceeded, EventPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to parse invoice payload: %w", err)
		}
		if inv.Subscription != nil {
			event.SubscriptionID = inv.Subscription.ID
		}
		if inv.Customer != nil {
			event.CustomerID = inv.Customer.ID
		}
	}

	return event, nil
}

func mapStripeEventType(t string) EventKind {
	switch t {
	case "customer.subscription.created":
		return EventSubscriptionCreated
	case "customer.subscription.updated":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	case "customer.subscription.paused":
		return EventSubscriptionPaused
	case "customer.subscription.resumed":
		return EventSubscriptionResumed
	case "invoice.payment_succeeded":
		return EventPaymentSucceeded
	case "invoice.payment_failed":
		return EventPaymentFailed
	default:
		// Unmapped kinds pass through; the reconciler treats them as no-ops.
		return EventKind(t)
	}
}

func toGatewaySubscription(s *stripe.Subscription) *GatewaySubscription {
	gs := &GatewaySubscription{
		ID:                s.ID,
		Status:            Status(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Currency:          string(s.Currency),
		Paused:            s.PauseCollection != nil && s.PauseCollection.Behavior != "",
	}
	if s.CurrentPeriodStart != 0 {
		gs.CurrentPeriodStart = time.Unix(s.CurrentPeriodStart, 0).UTC()
	}
	if s.CurrentPeriodEnd != 0 {
		gs.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	if s.Customer != nil {
		gs.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		p := s.Items.Data[0].Price
		gs.PriceID = p.ID
		gs.Amount = p.UnitAmount
		if gs.Currency == "" {
			gs.Currency = string(p.Currency)
		}
	}
	if s.DefaultPaymentMethod != nil {
		gs.PaymentMethodID = s.DefaultPaymentMethod.ID
	}
	return gs
}

func toGatewayPaymentMethod(pm *stripe.PaymentMethod) *GatewayPaymentMethod {
	gpm := &GatewayPaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		gpm.Fingerprint = pm.Card.Fingerprint
		gpm.Brand = string(pm.Card.Brand)
		gpm.Last4 = pm.Card.Last4
	}
	return gpm
}

func toGatewayCoupon(c *stripe.Coupon) *GatewayCoupon {
	return &GatewayCoupon{
		ID:         c.ID,
		Name:       c.Name,
		PercentOff: c.PercentOff,
		AmountOff:  c.AmountOff,
		Currency:   string(c.Currency),
	}
}
