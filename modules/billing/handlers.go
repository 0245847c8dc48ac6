package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wellnex/billing-engine/pkg/billing"
)

// maxWebhookBody caps the webhook payload size; Stripe events are well under
// this.
const maxWebhookBody = 1 << 20

type handlers struct {
	svc    billing.Service
	parser WebhookParser
	logger *slog.Logger
}

type createRequest struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	PriceID         string `json:"price_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

type changeCardRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// subscriptionResponse is the owner-facing view of a subscription row.
type subscriptionResponse struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	PriceID            string     `json:"price_id"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	IsSpecialOffer     bool       `json:"is_special_offer,omitempty"`
	OfferStatus        string     `json:"offer_status,omitempty"`
	LastPaymentAt      *time.Time `json:"last_payment_at,omitempty"`
}

func toSubscriptionResponse(sub *billing.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 sub.ID.String(),
		Status:             string(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		PriceID:            sub.PriceID,
		Amount:             sub.Amount,
		Currency:           sub.Currency,
		IsSpecialOffer:     sub.IsSpecialOffer,
		OfferStatus:        string(sub.OfferStatus),
		LastPaymentAt:      sub.LastPaymentAt,
	}
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if req.PriceID == "" || req.PaymentMethodID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "price_id and payment_method_id are required")
		return
	}

	sub, err := h.svc.Create(r.Context(), billing.CreateParams{
		OwnerID:         ownerID,
		Email:           req.Email,
		Name:            req.Name,
		PriceID:         req.PriceID,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respond(w, http.StatusCreated, toSubscriptionResponse(sub))
}

func (h *handlers) cancelDeferred(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.svc.CancelDeferred)
}

func (h *handlers) cancelImmediate(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.svc.CancelImmediate)
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.svc.Pause)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.svc.Resume)
}

func (h *handlers) changeCard(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	var req changeCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentMethodID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "payment_method_id is required")
		return
	}

	sub, err := h.svc.ChangeCard(r.Context(), ownerID, req.PaymentMethodID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respond(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (h *handlers) checkEligibility(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	details, err := h.svc.CheckEligibility(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respond(w, http.StatusOK, details)
}

func (h *handlers) applyOffer(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.svc.ApplyOffer)
}

func (h *handlers) declineOffer(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.svc.DeclineOffer)
}

func (h *handlers) accessStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	access, err := h.svc.AccessStatus(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respond(w, http.StatusOK, access)
}

func (h *handlers) paymentHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	payments, err := h.svc.PaymentHistory(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if payments == nil {
		payments = []billing.Payment{}
	}
	respond(w, http.StatusOK, payments)
}

func (h *handlers) statusCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.StatusCounts(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respond(w, http.StatusOK, counts)
}

// webhook receives gateway deliveries. Anything that passed signature
// verification is acknowledged with 200 even when the engine chose to skip
// it, because redelivery of an unprocessable event cannot succeed either.
// Only transient local failures return 5xx to request a retry.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "unreadable payload")
		return
	}

	event, err := h.parser.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook rejected", slog.Any("error", err))
		respondError(w, http.StatusBadRequest, "invalid_signature", "webhook verification failed")
		return
	}

	if err := h.svc.ApplyEvent(r.Context(), *event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("kind", string(event.Kind)),
			slog.String("external_subscription_id", event.SubscriptionID),
			slog.Any("error", err),
		)
		respondError(w, http.StatusInternalServerError, "processing_failed", "event processing failed")
		return
	}

	respond(w, http.StatusOK, map[string]string{"received": string(event.Kind)})
}

// ownerAction runs a single-argument owner action and renders the row.
func (h *handlers) ownerAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*billing.Subscription, error)) {
	ownerID, ok := GetOwnerIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	sub, err := fn(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respond(w, http.StatusOK, toSubscriptionResponse(sub))
}
