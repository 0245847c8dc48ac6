package billing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wellnex/billing-engine/pkg/billing"
)

// jsonResponse is the standard response envelope of the billing module.
type jsonResponse struct {
	Data  any          `json:"data,omitempty"`
	Error *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonResponse{Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonResponse{Error: &errorDetail{Code: code, Message: message}})
}

// respondServiceError maps engine errors onto HTTP status codes. Domain
// precondition misses are client errors; upstream gateway faults surface as
// bad gateway so load balancers do not recycle the process over them.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrSubscriptionExists):
		respondError(w, http.StatusConflict, "subscription_exists", err.Error())
	case errors.Is(err, billing.ErrOfferAlreadyUsed):
		respondError(w, http.StatusConflict, "offer_already_used", err.Error())
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		respondError(w, http.StatusNotFound, "subscription_not_found", err.Error())
	case errors.Is(err, billing.ErrNoEligibleSubscription),
		errors.Is(err, billing.ErrNoActiveSubscription),
		errors.Is(err, billing.ErrOfferNotOffered),
		errors.Is(err, billing.ErrOfferTransition),
		errors.Is(err, billing.ErrCurrencyMismatch):
		respondError(w, http.StatusUnprocessableEntity, "precondition_failed", err.Error())
	case errors.Is(err, billing.ErrGateway):
		respondError(w, http.StatusBadGateway, "gateway_error", "payment gateway request failed")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
