package tenant

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// Middleware resolves and verifies the request's organization context.
type Middleware struct {
	Guard  *Guard
	Logger *slog.Logger
}

// OrgContext re-verifies the session's active organization against the
// actor's current allowed set on every request, then stashes it in context.
// A stale session pointing at a revoked organization is cleared, not trusted.
func (m Middleware) OrgContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil || sess.Actor() == 0 || sess.ActiveOrg() == 0 {
			next.ServeHTTP(w, r)
			return
		}
		orgID := sess.ActiveOrg()
		if err := m.Guard.AssertAccessible(r.Context(), sess.Actor(), orgID); err != nil {
			var denied *shared.AccessDeniedError
			if errors.As(err, &denied) {
				sess.SetActiveOrg(0)
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Error("tenant org context", slog.Any("error", err))
			}
			httpx.Problem(w, http.StatusServiceUnavailable, "Store Unavailable", "")
			return
		}
		ctx := shared.ContextWithActiveOrg(r.Context(), orgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
