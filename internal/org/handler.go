package org

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

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

// Handler wires HTTP endpoints for organization management.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	isolation IsolationGuard
	validate  *validator.Validate
	guard     func(http.Handler) http.Handler
}

// NewHandler constructs a Handler. guard is the manage-settings capability
// middleware applied to mutating routes; isolation scopes every read to
// the caller's organizations.
func NewHandler(logger *slog.Logger, service *Service, isolation IsolationGuard, guard func(http.Handler) http.Handler) *Handler {
	return &Handler{logger: logger, service: service, isolation: isolation, validate: validator.New(), guard: guard}
}

// MountRoutes registers organization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Get("/{id}/members", h.members)
	r.Group(func(r chi.Router) {
		if h.guard != nil {
			r.Use(h.guard)
		}
		r.Post("/", h.create)
		r.Post("/{id}/suspend", h.suspend)
		r.Post("/{id}/reactivate", h.reactivate)
		r.Post("/{id}/unlink", h.unlink)
		r.Delete("/{id}", h.remove)
	})
}

type orgView struct {
	ID         int64  `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	Status     Status `json:"status"`
	IsExternal bool   `json:"is_external"`
}

func toView(o Organization) orgView {
	return orgView{ID: o.ID, Code: o.Code, Name: o.Name, Status: o.Status, IsExternal: o.IsExternal}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	const perPage = 50
	allowed, err := h.isolation.NarrowFilter(r.Context(), caller, nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	orgs, err := h.service.ListByIDs(r.Context(), allowed, perPage, (page-1)*perPage)
	if err != nil {
		h.logger.Error("org list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]orgView, 0, len(orgs))
	for _, o := range orgs {
		views = append(views, toView(o))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"organizations": views, "page": page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.isolation.AssertAccessible(r.Context(), caller, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, mapNotFound(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toView(o))
}

func (h *Handler) members(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.isolation.AssertAccessible(r.Context(), caller, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	members, err := h.service.Members(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"org_id": id, "actor_ids": members})
}

type createRequest struct {
	Code       string `json:"code" validate:"required,max=32"`
	Name       string `json:"name" validate:"required,max=128"`
	IsExternal bool   `json:"is_external"`
	Reason     string `json:"reason"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.Create(r.Context(), CreateInput{
		Code:       req.Code,
		Name:       req.Name,
		IsExternal: req.IsExternal,
		ActorID:    sessionActor(r),
		Reason:     req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(created))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) suspend(w http.ResponseWriter, r *http.Request) {
	h.statusAction(w, r, h.service.Suspend)
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	h.statusAction(w, r, h.service.Reactivate)
}

func (h *Handler) unlink(w http.ResponseWriter, r *http.Request) {
	h.statusAction(w, r, h.service.Unlink)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	h.statusAction(w, r, h.service.Delete)
}

func (h *Handler) statusAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, byActor, orgID int64, reason string) error) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	_ = httpx.DecodeJSON(r, &req)
	if err := fn(r.Context(), sessionActor(r), id, req.Reason); err != nil {
		httpx.RespondError(w, mapNotFound(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid organization id")
		return 0, false
	}
	return id, true
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	caller := sessionActor(r)
	if caller == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return 0, false
	}
	return caller, true
}

func sessionActor(r *http.Request) int64 {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0
	}
	return sess.Actor()
}

func mapNotFound(err error) error {
	if err == ErrNotFound {
		return shared.ErrNotFound
	}
	return err
}
