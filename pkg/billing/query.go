package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Access is the answer to "does this owner have access right now, and why".
type Access struct {
	HasAccess bool
	// Status is the status of the row that grants access, or of the owner's
	// latest row when nothing does.
	Status Status
	// Reason is a short machine-readable explanation for denied access.
	Reason string
}

// Denial reasons reported by AccessStatus.
const (
	ReasonNoSubscription = "no_subscription"
	ReasonPeriodElapsed  = "period_elapsed"
	ReasonStatus         = "status_excludes_access"
)

// AccessStatus scans the owner's history for any row currently granting
// access. A canceled subscription keeps access until its paid-through period
// elapses only when the cancellation was deferred; immediate cancellation and
// gateway deletion close the window at processing time, so the same scan
// covers both.
func (s *service) AccessStatus(ctx context.Context, ownerID uuid.UUID) (*Access, error) {
	now := s.now()

	rows, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Access{Reason: ReasonNoSubscription}, nil
	}

	for i := range rows {
		if rows[i].GrantsAccess(now) {
			return &Access{HasAccess: true, Status: rows[i].Status}, nil
		}
	}

	latest := &rows[0]
	reason := ReasonStatus
	if (latest.Status == StatusActive || latest.Status == StatusTrialing || latest.Status == StatusCanceled) &&
		!latest.HasFuturePeriod(now) {
		reason = ReasonPeriodElapsed
	}
	return &Access{Status: latest.Status, Reason: reason}, nil
}

// StatusCounts reports how many owners currently sit in each lifecycle
// status, counting each owner's most recent row only.
func (s *service) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	return s.store.StatusCounts(ctx)
}

// PaymentHistory returns the owner's gateway payment history, newest first.
// The engine stores no payment records itself; the gateway is the ledger.
func (s *service) PaymentHistory(ctx context.Context, ownerID uuid.UUID) ([]Payment, error) {
	latest, err := s.store.LatestByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if latest.ExternalCustomerID == "" {
		return nil, nil
	}
	return s.gateway.ListPayments(ctx, latest.ExternalCustomerID)
}
