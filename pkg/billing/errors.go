package billing

import "errors"

// Domain errors: a precondition was not met. Expected outcomes, returned to
// the caller as typed failures and never logged as faults.
var (
	ErrNoEligibleSubscription = errors.New("no eligible subscription")
	ErrNoActiveSubscription   = errors.New("no active subscription")
	ErrSubscriptionExists     = errors.New("subscription already exists")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrOfferAlreadyUsed       = errors.New("special offer already used")
	ErrOfferNotOffered        = errors.New("no special offer pending")
	ErrOfferTransition        = errors.New("invalid special offer transition")
	ErrCurrencyMismatch       = errors.New("currency differs from existing commitments")
)

// Upstream and persistence errors. ErrGateway wraps the gateway's error detail
// so callers can decide whether to retry; ErrStoreWrite after a successful
// gateway call marks drift between gateway and local truth that only the next
// webhook delivery (or a reconciliation sweep) repairs.
var (
	ErrGateway    = errors.New("payment gateway error")
	ErrStoreWrite = errors.New("subscription store write failed")
)

// IsDomainError reports whether err belongs to the expected-failure class that
// callers should surface to the user rather than retry.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrNoEligibleSubscription,
		ErrNoActiveSubscription,
		ErrSubscriptionExists,
		ErrSubscriptionNotFound,
		ErrOfferAlreadyUsed,
		ErrOfferNotOffered,
		ErrOfferTransition,
		ErrCurrencyMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
