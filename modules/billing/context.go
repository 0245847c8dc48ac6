package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ownerIDCtxKey struct{}

// SetOwnerIDToContext stores the authenticated owner's id in the context.
func SetOwnerIDToContext(ctx context.Context, ownerID uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerIDCtxKey{}, ownerID)
}

// GetOwnerIDFromContext retrieves the authenticated owner's id from the context.
func GetOwnerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	ownerID, ok := ctx.Value(ownerIDCtxKey{}).(uuid.UUID)
	return ownerID, ok
}

// OwnerIDHeader is where the identity provider in front of this service puts
// the authenticated user id. The engine trusts it as given.
const OwnerIDHeader = "X-User-ID"

// OwnerIDMiddleware resolves the caller identity from the request header and
// stores it in the context. Requests without a valid id are rejected before
// reaching any handler.
func OwnerIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := uuid.Parse(r.Header.Get(OwnerIDHeader))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid caller identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(SetOwnerIDToContext(r.Context(), ownerID)))
	})
}
