package authz

import (
	"log/slog"
	"net/http"

	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// Middleware gates HTTP handlers on resolved capabilities.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireCapability resolves the action for the session actor against the
// active organization context before admitting the request. A deny responds
// 403 with the full explanation chain; an unreadable store responds 503.
func (m Middleware) RequireCapability(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			if sess == nil || sess.Actor() == 0 {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
				return
			}
			orgID, ok := shared.ActiveOrgFromContext(r.Context())
			if !ok {
				orgID = sess.ActiveOrg()
			}
			if orgID == 0 {
				httpx.Problem(w, http.StatusForbidden, "Access Denied", "no active organization context")
				return
			}
			decision, err := m.Resolver.Resolve(r.Context(), sess.Actor(), orgID, action)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authz resolve", slog.String("action", action), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusServiceUnavailable, "Store Unavailable", "")
				return
			}
			if !decision.Allow {
				httpx.JSON(w, http.StatusForbidden, map[string]any{
					"title":    "Access Denied",
					"status":   http.StatusForbidden,
					"decision": decision,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
