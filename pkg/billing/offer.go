package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wellnex/billing-engine/pkg/statemachine"
)

// Offer transition events. The machine admits only forward movement:
// none -> offered -> applied|declined -> expired.
const (
	offerEventOffer   = statemachine.StringEvent("offer")
	offerEventApply   = statemachine.StringEvent("apply")
	offerEventDecline = statemachine.StringEvent("decline")
	offerEventExpire  = statemachine.StringEvent("expire")
)

// offerMachine validates special-offer status transitions. A fresh machine is
// built per call seeded with the row's current status, because the rows are
// long-lived documents while the machine is in-memory only.
type offerMachine struct {
	defs []statemachine.TransitionDef
}

func newOfferMachine() *offerMachine {
	state := func(s OfferStatus) statemachine.StringState {
		return statemachine.StringState(s)
	}
	return &offerMachine{
		defs: []statemachine.TransitionDef{
			{From: state(OfferNone), To: state(OfferOffered), Event: offerEventOffer},
			{From: state(OfferOffered), To: state(OfferApplied), Event: offerEventApply},
			{From: state(OfferOffered), To: state(OfferDeclined), Event: offerEventDecline},
			{From: state(OfferApplied), To: state(OfferExpired), Event: offerEventExpire},
			{From: state(OfferDeclined), To: state(OfferExpired), Event: offerEventExpire},
		},
	}
}

// fire validates the transition and returns the resulting status.
func (m *offerMachine) fire(ctx context.Context, current OfferStatus, event statemachine.StringEvent) (OfferStatus, error) {
	if current == "" {
		current = OfferNone
	}
	sm, err := statemachine.New(statemachine.StringState(current), statemachine.WithTransitions(m.defs))
	if err != nil {
		return current, err
	}
	if err := sm.Fire(ctx, event, nil); err != nil {
		return current, errors.Join(ErrOfferTransition, err)
	}
	return OfferStatus(sm.Current().Name()), nil
}

// OfferDetails describes the owner's special-offer standing and terms.
type OfferDetails struct {
	Status        OfferStatus
	CouponID      string
	PercentOff    float64
	AmountOff     int64
	Currency      string
	DiscountStart *time.Time
	DiscountEnd   *time.Time
	Description   string
}

// CheckEligibility evaluates whether the owner may receive the one-time
// discounted billing period. The lifetime-use guarantee is checked against
// the owner's entire history, not just the live row: once applied, never
// re-offered, even on a brand-new subsequent subscription.
func (s *service) CheckEligibility(ctx context.Context, ownerID uuid.UUID) (*OfferDetails, error) {
	now := s.now()

	rows, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	live := findLiveRegular(rows, now)
	if live == nil {
		return nil, ErrNoActiveSubscription
	}

	if applied := findAppliedOffer(rows); applied != nil {
		if applied.OfferStatus == OfferApplied && applied.OfferDiscountEnd != nil && applied.OfferDiscountEnd.After(now) {
			// Idempotent re-query of a still-running applied offer.
			return offerDetailsFromRow(applied), nil
		}
		return nil, ErrOfferAlreadyUsed
	}

	if standing := latestOfferRow(rows); standing != nil {
		switch standing.OfferStatus {
		case OfferOffered, OfferDeclined:
			// Standing offer or a decline the owner already made; both are
			// returned as-is rather than minting another pseudo-row.
			return offerDetailsFromRow(standing), nil
		}
	}

	if s.offerCouponID == "" {
		return nil, ErrOfferNotOffered
	}

	coupon, err := s.gateway.GetCoupon(ctx, s.offerCouponID)
	if err != nil {
		return nil, err
	}

	offerStatus, err := s.offerFSM.fire(ctx, OfferNone, offerEventOffer)
	if err != nil {
		return nil, err
	}

	row := &Subscription{
		ID:                     uuid.New(),
		OwnerID:                ownerID,
		ExternalSubscriptionID: NewSyntheticExternalID(),
		ExternalCustomerID:     live.ExternalCustomerID,
		// Incomplete until applied, so the pseudo-row never grants access
		// alongside the live regular row.
		Status:          StatusIncomplete,
		PriceID:         live.PriceID,
		Amount:          live.Amount,
		Currency:        live.Currency,
		PaymentMethodID: live.PaymentMethodID,
		IsSpecialOffer:  true,
		OfferStatus:     offerStatus,
		OfferCouponID:   coupon.ID,
		OfferPercentOff: coupon.PercentOff,
		OfferAmountOff:  coupon.AmountOff,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Insert(ctx, row); err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}

	return offerDetailsFromRow(row), nil
}

// ApplyOffer redeems a standing offer: the coupon is attached at the gateway
// so it discounts the next invoice only, and the pseudo-row becomes the
// record of the discounted billing period
// [currentPeriodEnd, currentPeriodEnd + one billing interval].
func (s *service) ApplyOffer(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	now := s.now()

	rows, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	// Re-check the lifetime-use scan: two apply calls may interleave with a
	// renewal, and the one-time guarantee must hold across all history.
	if applied := findAppliedOffer(rows); applied != nil {
		return nil, ErrOfferAlreadyUsed
	}

	offerRow := latestOfferRow(rows)
	if offerRow == nil || offerRow.OfferStatus != OfferOffered {
		return nil, ErrOfferNotOffered
	}

	live := findLiveRegular(rows, now)
	if live == nil {
		return nil, ErrNoActiveSubscription
	}

	price, err := s.gateway.GetPrice(ctx, live.PriceID)
	if err != nil {
		return nil, err
	}

	coupon, err := s.gateway.AttachCoupon(ctx, live.ExternalSubscriptionID, offerRow.OfferCouponID)
	if err != nil {
		return nil, err
	}

	offerStatus, err := s.offerFSM.fire(ctx, offerRow.OfferStatus, offerEventApply)
	if err != nil {
		return nil, err
	}

	start := live.CurrentPeriodEnd
	end := addBillingInterval(start, price.Interval, price.IntervalCount)

	offerRow.OfferStatus = offerStatus
	offerRow.Status = StatusActive
	offerRow.CurrentPeriodStart = start
	offerRow.CurrentPeriodEnd = end
	offerRow.OfferDiscountStart = &start
	offerRow.OfferDiscountEnd = &end
	// Realized terms may differ from the offered preview; the gateway's
	// answer wins.
	offerRow.OfferCouponID = coupon.ID
	offerRow.OfferPercentOff = coupon.PercentOff
	offerRow.OfferAmountOff = coupon.AmountOff
	offerRow.Amount = discountedAmount(live.Amount, coupon)
	offerRow.UpdatedAt = now

	if err := s.persistAfterGateway(ctx, offerRow); err != nil {
		return nil, err
	}
	return offerRow, nil
}

// DeclineOffer records the owner's dismissal of a standing offer. Local only;
// nothing was committed at the gateway yet.
func (s *service) DeclineOffer(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	rows, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	offerRow := latestOfferRow(rows)
	if offerRow == nil || offerRow.OfferStatus != OfferOffered {
		return nil, ErrOfferNotOffered
	}

	offerStatus, err := s.offerFSM.fire(ctx, offerRow.OfferStatus, offerEventDecline)
	if err != nil {
		return nil, err
	}

	offerRow.OfferStatus = offerStatus
	offerRow.UpdatedAt = s.now()
	if err := s.store.UpsertByExternalID(ctx, offerRow); err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	return offerRow, nil
}

// findLiveRegular returns the newest non-offer row currently granting access.
func findLiveRegular(rows []Subscription, now time.Time) *Subscription {
	for i := range rows {
		row := &rows[i]
		if row.IsSpecialOffer {
			continue
		}
		if (row.Status == StatusActive || row.Status == StatusTrialing) && row.HasFuturePeriod(now) {
			return row
		}
	}
	return nil
}

// findAppliedOffer scans the full history for a redeemed offer.
func findAppliedOffer(rows []Subscription) *Subscription {
	for i := range rows {
		row := &rows[i]
		if row.IsSpecialOffer && (row.OfferStatus == OfferApplied || row.OfferStatus == OfferExpired) {
			return row
		}
	}
	return nil
}

// latestOfferRow returns the newest special-offer row, if any.
func latestOfferRow(rows []Subscription) *Subscription {
	for i := range rows {
		if rows[i].IsSpecialOffer {
			return &rows[i]
		}
	}
	return nil
}

// addBillingInterval advances t by count billing intervals.
func addBillingInterval(t time.Time, interval BillingInterval, count int64) time.Time {
	n := int(count)
	if n <= 0 {
		n = 1
	}
	switch interval {
	case IntervalDay:
		return t.AddDate(0, 0, n)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*n)
	case IntervalYear:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, n, 0)
	}
}

// discountedAmount applies the coupon terms to a base amount in the smallest
// currency unit, clamped at zero.
func discountedAmount(base int64, coupon *GatewayCoupon) int64 {
	if coupon == nil {
		return base
	}
	if coupon.PercentOff > 0 {
		off := int64(math.Round(float64(base) * coupon.PercentOff / 100))
		return max(base-off, 0)
	}
	if coupon.AmountOff > 0 {
		return max(base-coupon.AmountOff, 0)
	}
	return base
}

func offerDetailsFromRow(row *Subscription) *OfferDetails {
	d := &OfferDetails{
		Status:        row.OfferStatus,
		CouponID:      row.OfferCouponID,
		PercentOff:    row.OfferPercentOff,
		AmountOff:     row.OfferAmountOff,
		Currency:      row.Currency,
		DiscountStart: row.OfferDiscountStart,
		DiscountEnd:   row.OfferDiscountEnd,
	}
	d.Description = describeOffer(d)
	return d
}

// describeOffer renders a human-readable summary of the discount terms.
func describeOffer(d *OfferDetails) string {
	switch {
	case d.PercentOff > 0:
		return fmt.Sprintf("%s%% off your next billing period", strconv.FormatFloat(d.PercentOff, 'f', -1, 64))
	case d.AmountOff > 0:
		return fmt.Sprintf("%.2f %s off your next billing period", float64(d.AmountOff)/100, strings.ToUpper(d.Currency))
	default:
		return "no discount available"
	}
}
