package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a subscription. The values mirror the
// gateway's status vocabulary so webhook payloads map onto local rows without
// translation tables.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusPaused            Status = "paused"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
)

// OfferStatus tracks the lifecycle of an owner's one-time special offer.
// Transitions only move forward: none -> offered -> applied|declined -> expired.
type OfferStatus string

const (
	OfferNone     OfferStatus = "none"
	OfferOffered  OfferStatus = "offered"
	OfferApplied  OfferStatus = "applied"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// syntheticIDPrefix marks locally fabricated subscription identifiers used for
// special-offer rows. Rows carrying such an identifier have no counterpart at
// the gateway and must never be sent there for cancellation or pause calls.
const syntheticIDPrefix = "offer_"

// NewSyntheticExternalID fabricates a local-only subscription identifier for a
// special-offer row.
func NewSyntheticExternalID() string {
	return syntheticIDPrefix + uuid.NewString()
}

// IsSyntheticID reports whether an external subscription id was fabricated
// locally rather than assigned by the gateway.
func IsSyntheticID(id string) bool {
	return strings.HasPrefix(id, syntheticIDPrefix)
}

// Subscription is the authoritative local representation of a customer's
// recurring subscription. It is a projection of gateway truth: user actions
// write it only after the corresponding gateway call succeeded, and webhook
// reconciliation overwrites it with whatever the gateway last reported.
//
// Rows are never hard-deleted. Cancellation is a status transition, and a new
// row is inserted per lifecycle (including special-offer pseudo-subscriptions)
// so the owner's full history stays queryable.
type Subscription struct {
	ID      uuid.UUID
	OwnerID uuid.UUID

	// ExternalSubscriptionID is gateway-assigned, unique and immutable once
	// set. Special-offer rows carry a synthetic local identifier instead.
	ExternalSubscriptionID string
	ExternalCustomerID     string

	Status            Status
	CancelAtPeriodEnd bool

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	// Plan snapshot taken at creation time, never re-derived from the catalog.
	PriceID  string
	Amount   int64
	Currency string

	PaymentMethodID string

	IsSpecialOffer     bool
	OfferStatus        OfferStatus
	OfferCouponID      string
	OfferPercentOff    float64
	OfferAmountOff     int64
	OfferDiscountStart *time.Time
	OfferDiscountEnd   *time.Time

	LastPaymentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSynthetic reports whether this row is a local special-offer
// pseudo-subscription with no live gateway object behind it.
func (s *Subscription) IsSynthetic() bool {
	return IsSyntheticID(s.ExternalSubscriptionID)
}

// PendingOffer reports whether this row is a special-offer pseudo-row the
// owner has not redeemed (offered or declined). Such rows only book-keep the
// offer flow; they are never the target of a lifecycle action and never
// count against creating a subscription.
func (s *Subscription) PendingOffer() bool {
	if !s.IsSpecialOffer {
		return false
	}
	return s.OfferStatus == OfferOffered || s.OfferStatus == OfferDeclined
}

// HasFuturePeriod reports whether the billing window extends past now.
func (s *Subscription) HasFuturePeriod(now time.Time) bool {
	return s.CurrentPeriodEnd.After(now)
}

// GrantsAccess reports whether this row entitles the owner to dashboard
// access at the given instant: active or trialing, inside its billing window.
// The window-start check keeps an applied offer row (whose discounted period
// begins at the current period's end) from double-counting while the regular
// row is still live.
func (s *Subscription) GrantsAccess(now time.Time) bool {
	if s.Status != StatusActive && s.Status != StatusTrialing {
		return false
	}
	if !s.CurrentPeriodStart.IsZero() && s.CurrentPeriodStart.After(now) {
		return false
	}
	return s.HasFuturePeriod(now)
}

// Cancelable reports whether an explicit cancel or pause action may target
// this row: live, paused, or canceled with billing time still remaining.
func (s *Subscription) Cancelable(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusTrialing, StatusPaused:
		return true
	case StatusCanceled:
		return s.HasFuturePeriod(now)
	default:
		return false
	}
}

// Pausable reports whether the pause action may target this row.
func (s *Subscription) Pausable(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusTrialing:
		return true
	case StatusCanceled:
		return s.HasFuturePeriod(now)
	default:
		return false
	}
}

// Resumable reports whether the resume action may target this row.
func (s *Subscription) Resumable() bool {
	return s.Status == StatusCanceled || s.Status == StatusPaused
}
