package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wellnex/billing-engine/pkg/email"
)

// AddressResolver maps a local owner id to the email address notifications
// go to. Typically backed by the identity provider or the gateway customer
// record.
type AddressResolver func(ctx context.Context, ownerID uuid.UUID) (string, error)

// EmailNotifier sends billing notifications through an EmailSender. Failures
// propagate to the engine, which logs and swallows them; a lost email never
// fails a billing transition.
type EmailNotifier struct {
	sender  email.EmailSender
	resolve AddressResolver
}

// NewEmailNotifier creates a Notifier backed by the given sender.
func NewEmailNotifier(sender email.EmailSender, resolve AddressResolver) (*EmailNotifier, error) {
	if sender == nil {
		return nil, errors.New("email sender is required")
	}
	if resolve == nil {
		return nil, errors.New("address resolver is required")
	}
	return &EmailNotifier{sender: sender, resolve: resolve}, nil
}

func (n *EmailNotifier) OfferExpired(ctx context.Context, ownerID uuid.UUID, sub *Subscription) error {
	addr, err := n.resolve(ctx, ownerID)
	if err != nil {
		return err
	}
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:  addr,
		Subject: "Your discounted billing period has ended",
		BodyHTML: fmt.Sprintf(
			"<p>The special discount on your subscription has run its course. "+
				"Starting with your next invoice you will be billed the regular price for %s.</p>",
			sub.PriceID,
		),
		Tag: "billing-offer-expired",
	})
}

func (n *EmailNotifier) SubscriptionCanceled(ctx context.Context, ownerID uuid.UUID, sub *Subscription) error {
	addr, err := n.resolve(ctx, ownerID)
	if err != nil {
		return err
	}
	body := "<p>Your subscription has been canceled."
	if sub.HasFuturePeriod(sub.UpdatedAt) {
		body += fmt.Sprintf(" You keep access until %s.", sub.CurrentPeriodEnd.Format("January 2, 2006"))
	}
	body += "</p>"
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   addr,
		Subject:  "Your subscription was canceled",
		BodyHTML: body,
		Tag:      "billing-canceled",
	})
}
