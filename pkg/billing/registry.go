package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// attachOrReuse attaches the payment method to the customer unless a stored
// method with the same card fingerprint already exists, in which case the
// existing method is reused and the duplicate is never attached. The chosen
// method becomes the customer's default. Returns the effective method ID.
func (s *service) attachOrReuse(ctx context.Context, customerID, paymentMethodID string) (string, error) {
	incoming, err := s.gateway.GetPaymentMethod(ctx, paymentMethodID)
	if err != nil {
		return "", err
	}

	effective := incoming.ID
	matched := false
	if incoming.Fingerprint != "" {
		stored, err := s.gateway.ListPaymentMethods(ctx, customerID)
		if err != nil {
			return "", err
		}
		for _, pm := range stored {
			if pm.Fingerprint == incoming.Fingerprint {
				effective = pm.ID
				matched = true
				break
			}
		}
	}

	if !matched {
		if _, err := s.gateway.AttachPaymentMethod(ctx, customerID, effective); err != nil {
			return "", err
		}
	}
	if err := s.gateway.SetDefaultPaymentMethod(ctx, customerID, effective); err != nil {
		return "", err
	}
	return effective, nil
}

// ChangeCard swaps the payment method on the owner's current subscription,
// with the same fingerprint dedup as subscription creation. Synthetic offer
// rows carry no gateway subscription to update.
func (s *service) ChangeCard(ctx context.Context, ownerID uuid.UUID, paymentMethodID string) (*Subscription, error) {
	row, err := s.currentRow(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if row.IsSynthetic() {
		return nil, ErrNoEligibleSubscription
	}

	effective, err := s.attachOrReuse(ctx, row.ExternalCustomerID, paymentMethodID)
	if err != nil {
		return nil, err
	}
	if _, err := s.gateway.SetSubscriptionPaymentMethod(ctx, row.ExternalSubscriptionID, effective); err != nil {
		return nil, err
	}

	row.PaymentMethodID = effective
	row.UpdatedAt = s.now()
	if err := s.persistAfterGateway(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// checkCurrencyConsistency refuses to start a subscription whose price
// currency differs from any open commitment already held by the customer:
// other subscriptions, scheduled phases, open quotes, and pending invoice
// items. Mixed currencies on one customer are rejected upstream anyway; the
// guard surfaces the conflict before any money moves.
func (s *service) checkCurrencyConsistency(ctx context.Context, customerID, currency string) error {
	if currency == "" {
		return nil
	}
	commitments, err := s.gateway.ListOpenCommitments(ctx, customerID)
	if err != nil {
		return err
	}
	for _, c := range commitments {
		if c.Currency == "" {
			continue
		}
		if !strings.EqualFold(c.Currency, currency) {
			return errors.Join(ErrCurrencyMismatch,
				fmt.Errorf("%s %s holds currency %s, new price is %s", c.Kind, c.ID, strings.ToUpper(c.Currency), strings.ToUpper(currency)))
		}
	}
	return nil
}
