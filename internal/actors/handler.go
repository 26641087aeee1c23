package actors

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// Handler wires HTTP endpoints for actor management.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	guard    func(http.Handler) http.Handler
}

// NewHandler constructs a Handler. guard is the manage-users capability
// middleware applied to mutating routes.
func NewHandler(logger *slog.Logger, service *Service, guard func(http.Handler) http.Handler) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(), guard: guard}
}

// MountRoutes registers actor routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Get("/{id}/organizations", h.organizations)
	r.Group(func(r chi.Router) {
		if h.guard != nil {
			r.Use(h.guard)
		}
		r.Post("/", h.create)
		r.Post("/{id}/status", h.setStatus)
	})
}

type actorView struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Status       Status `json:"status"`
	DefaultOrgID *int64 `json:"default_org_id,omitempty"`
}

func toView(a Actor) actorView {
	return actorView{ID: a.ID, Email: a.Email, DisplayName: a.DisplayName, Status: a.Status, DefaultOrgID: a.DefaultOrgID}
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
	list, err := h.service.ListVisible(r.Context(), caller, perPage, (page-1)*perPage)
	if err != nil {
		h.logger.Error("actor list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]actorView, 0, len(list))
	for _, a := range list {
		views = append(views, toView(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actors": views, "page": page})
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
	if !h.assertVisible(w, r, caller, id) {
		return
	}
	a, err := h.service.Get(r.Context(), id)
	if err != nil {
		if err == ErrNotFound {
			httpx.RespondError(w, shared.ErrNotFound)
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(a))
}

func (h *Handler) organizations(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if !h.assertVisible(w, r, caller, id) {
		return
	}
	orgs, err := h.service.AllowedOrgs(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actor_id": id, "org_ids": orgs})
}

type createRequest struct {
	Email        string `json:"email" validate:"required,email"`
	DisplayName  string `json:"display_name" validate:"required,max=128"`
	Password     string `json:"password" validate:"required,min=8"`
	DefaultOrgID *int64 `json:"default_org_id"`
	Reason       string `json:"reason"`
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
	sess := shared.SessionFromContext(r.Context())
	created, err := h.service.Create(r.Context(), CreateInput{
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		Password:     req.Password,
		DefaultOrgID: req.DefaultOrgID,
		ActorID:      sess.Actor(),
		Reason:       req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(created))
}

type statusRequest struct {
	From   Status `json:"from" validate:"required,oneof=active locked suspended"`
	To     Status `json:"to" validate:"required,oneof=active locked suspended"`
	Reason string `json:"reason"`
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if err := h.service.SetStatus(r.Context(), sess.Actor(), id, req.From, req.To, req.Reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Actor() == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return 0, false
	}
	return sess.Actor(), true
}

// assertVisible responds 404 when the target actor shares no organization
// with the caller. Foreign tenants cannot probe which actor ids exist.
func (h *Handler) assertVisible(w http.ResponseWriter, r *http.Request, caller, target int64) bool {
	visible, err := h.service.VisibleTo(r.Context(), caller, target)
	if err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if !visible {
		httpx.RespondError(w, shared.ErrNotFound)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid actor id")
		return 0, false
	}
	return id, true
}
