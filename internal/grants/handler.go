package grants

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// IsolationGuard is the tenant boundary read routes cross.
type IsolationGuard interface {
	AssertAccessible(ctx context.Context, actorID, orgID int64) error
	NarrowFilter(ctx context.Context, actorID int64, requested []int64) ([]int64, error)
}

// Handler wires HTTP endpoints for grant management.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	isolation IsolationGuard
	validate  *validator.Validate
	guard     func(http.Handler) http.Handler
}

// NewHandler constructs a Handler. guard is the manage-roles capability
// middleware applied to mutating routes; isolation scopes every read to
// the caller's organizations.
func NewHandler(logger *slog.Logger, service *Service, isolation IsolationGuard, guard func(http.Handler) http.Handler) *Handler {
	return &Handler{logger: logger, service: service, isolation: isolation, validate: validator.New(), guard: guard}
}

// MountRoutes registers grant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/org/{orgID}", h.listByOrg)
	r.Get("/actor/{actorID}", h.listByActor)
	r.Get("/{actorID}/{orgID}", h.get)
	r.Group(func(r chi.Router) {
		if h.guard != nil {
			r.Use(h.guard)
		}
		r.Put("/{actorID}/{orgID}", h.upsert)
	})
}

type grantView struct {
	ActorID   int64           `json:"actor_id"`
	OrgID     int64           `json:"org_id"`
	Role      string          `json:"role"`
	Overrides map[string]bool `json:"overrides,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	GrantedBy int64           `json:"granted_by"`
	GrantedAt time.Time       `json:"granted_at"`
	Reason    string          `json:"reason,omitempty"`
	Effective map[string]bool `json:"effective"`
	Expired   bool            `json:"expired"`
}

func toView(g Grant, now time.Time) grantView {
	return grantView{
		ActorID:   g.ActorID,
		OrgID:     g.OrgID,
		Role:      g.Role,
		Overrides: g.Overrides,
		ExpiresAt: g.ExpiresAt,
		GrantedBy: g.GrantedBy,
		GrantedAt: g.GrantedAt,
		Reason:    g.Reason,
		Effective: g.Effective(now),
		Expired:   g.Expired(now),
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	actorID, orgID, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	if err := h.isolation.AssertAccessible(r.Context(), caller, orgID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.Get(r.Context(), actorID, orgID)
	if err != nil {
		if err == ErrNotFound {
			httpx.RespondError(w, shared.ErrNotFound)
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(g, time.Now()))
}

func (h *Handler) listByOrg(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	orgID, err := strconv.ParseInt(chi.URLParam(r, "orgID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid organization id")
		return
	}
	if err := h.isolation.AssertAccessible(r.Context(), caller, orgID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.ListByOrg(r.Context(), orgID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.respondList(w, list)
}

func (h *Handler) listByActor(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	actorID, err := strconv.ParseInt(chi.URLParam(r, "actorID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid actor id")
		return
	}
	allowed, err := h.isolation.NarrowFilter(r.Context(), caller, nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	visible := make(map[int64]bool, len(allowed))
	for _, id := range allowed {
		visible[id] = true
	}
	list, err := h.service.ListByActor(r.Context(), actorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	// Only the slice of the target's grants inside the caller's own
	// organizations is visible. Foreign memberships stay hidden.
	scoped := make([]Grant, 0, len(list))
	for _, g := range list {
		if visible[g.OrgID] {
			scoped = append(scoped, g)
		}
	}
	h.respondList(w, scoped)
}

func (h *Handler) respondList(w http.ResponseWriter, list []Grant) {
	now := time.Now()
	views := make([]grantView, 0, len(list))
	for _, g := range list {
		views = append(views, toView(g, now))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": views})
}

type upsertRequest struct {
	Role        *string          `json:"role" validate:"omitempty,max=32"`
	Overrides   *map[string]bool `json:"overrides"`
	ExpiresAt   *time.Time       `json:"expires_at"`
	ClearExpiry bool             `json:"clear_expiry"`
	Reason      string           `json:"reason" validate:"required,max=512"`
	BatchID     string           `json:"batch_id" validate:"omitempty,uuid4"`
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	actorID, orgID, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var req upsertRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Actor() == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}
	in := UpsertInput{
		ActorID:     actorID,
		OrgID:       orgID,
		Role:        req.Role,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
		GrantedBy:   sess.Actor(),
		Reason:      req.Reason,
		BatchID:     req.BatchID,
	}
	if req.Overrides != nil {
		in.Overrides = *req.Overrides
		in.HasOverride = true
	}
	g, err := h.service.Upsert(r.Context(), in)
	if err != nil {
		h.logger.Warn("grant upsert", slog.Int64("actor", actorID), slog.Int64("org", orgID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(g, time.Now()))
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Actor() == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return 0, false
	}
	return sess.Actor(), true
}

func (h *Handler) pathKey(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	actorID, err := strconv.ParseInt(chi.URLParam(r, "actorID"), 10, 64)
	if err != nil || actorID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid actor id")
		return 0, 0, false
	}
	orgID, err := strconv.ParseInt(chi.URLParam(r, "orgID"), 10, 64)
	if err != nil || orgID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid organization id")
		return 0, 0, false
	}
	return actorID, orgID, true
}
