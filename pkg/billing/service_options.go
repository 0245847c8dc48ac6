package billing

import (
	"log/slog"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*service)

// WithLogger sets the logger used for drift warnings and swallowed
// notification failures. Nil loggers are ignored.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotifier sets the notification dispatcher. Nil notifiers are ignored;
// the default swallows everything.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithOfferCoupon sets the gateway coupon id backing the one-time special
// offer. Without it, eligibility checks report no active offer program.
func WithOfferCoupon(couponID string) ServiceOption {
	return func(s *service) {
		s.offerCouponID = couponID
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}
