package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"certmint/pkg/platform/httputil"
	request "certmint/pkg/platform/middleware/request"
	"certmint/pkg/requestcontext"
)

const HeaderAdminToken = "X-Admin-Token"

// RequireAdminToken guards operator routes. An empty expected token disables
// the routes entirely.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get(HeaderAdminToken)
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
					Error:            "unauthorized",
					ErrorDescription: "admin token required",
				})
				return
			}
			if requestcontext.ActorID(ctx) == "" {
				ctx = requestcontext.WithActorID(ctx, "admin")
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
