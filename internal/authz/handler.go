package authz

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/equiplan/equiplan/internal/capability"
	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// Handler exposes the explanation endpoint so UIs can render "why was I
// denied" chains before offering actionable controls.
type Handler struct {
	logger   *slog.Logger
	resolver *Resolver
	group    singleflight.Group
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, resolver *Resolver) *Handler {
	return &Handler{logger: logger, resolver: resolver}
}

// MountRoutes registers authz routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/explain", h.explain)
	r.Get("/capabilities", h.capabilities)
}

type explainResponse struct {
	Action   string   `json:"action"`
	OrgID    int64    `json:"org_id"`
	Decision Decision `json:"decision"`
}

// explain resolves ?org=<id>&action=<capability> for the session actor.
// Identical concurrent lookups share one resolution via singleflight; the
// result is never cached beyond the in-flight call.
func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Actor() == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}
	orgID, err := strconv.ParseInt(r.URL.Query().Get("org"), 10, 64)
	if err != nil || orgID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "org query parameter required")
		return
	}
	action := r.URL.Query().Get("action")
	if !capability.Known(action) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("unknown capability %q", action))
		return
	}
	actorID := sess.Actor()
	key := fmt.Sprintf("%d:%d:%s", actorID, orgID, action)
	v, err, _ := h.group.Do(key, func() (any, error) {
		return h.resolver.Resolve(r.Context(), actorID, orgID, action)
	})
	if err != nil {
		h.logger.Error("authz explain", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Store Unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, explainResponse{Action: action, OrgID: orgID, Decision: v.(Decision)})
}

type capabilityView struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// capabilities lists the registered capability names with display labels.
func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	names := capability.Capabilities()
	out := make([]capabilityView, 0, len(names))
	for _, name := range names {
		out = append(out, capabilityView{Name: name, Label: capability.Label(name)})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"capabilities": out,
		"roles":        capability.Roles(),
	})
}
