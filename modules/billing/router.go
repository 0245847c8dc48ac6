package billing

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/wellnex/billing-engine/pkg/billing"
)

// WebhookParser verifies and normalizes raw gateway webhook deliveries.
// *billing.StripeGateway satisfies it.
type WebhookParser interface {
	ParseEvent(payload []byte, signature string) (*billing.Event, error)
}

// Router creates the billing module router. Owner-facing routes require the
// caller identity header; the webhook route authenticates by signature
// instead and must stay outside the identity middleware.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billingmodule.Router(svc, gateway, logger))
func Router(svc billing.Service, parser WebhookParser, logger *slog.Logger) chi.Router {
	h := &handlers{svc: svc, parser: parser, logger: logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Post("/webhook", h.webhook)
	r.Get("/stats/statuses", h.statusCounts)

	r.Group(func(r chi.Router) {
		r.Use(OwnerIDMiddleware)

		r.Route("/subscription", func(r chi.Router) {
			r.Post("/", h.create)
			r.Delete("/", h.cancelImmediate)
			r.Post("/cancel", h.cancelDeferred)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Put("/payment-method", h.changeCard)
		})

		r.Route("/offer", func(r chi.Router) {
			r.Get("/", h.checkEligibility)
			r.Post("/apply", h.applyOffer)
			r.Post("/decline", h.declineOffer)
		})

		r.Get("/access", h.accessStatus)
		r.Get("/payments", h.paymentHistory)
	})

	return r
}
