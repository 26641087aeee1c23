package pfa

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/equiplan/equiplan/internal/capability"
	"github.com/equiplan/equiplan/internal/masking"
	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// Authorizer answers capability questions for shaping responses.
type Authorizer interface {
	Allows(ctx context.Context, actorID, orgID int64, action string) (bool, error)
}

// Handler wires equipment record endpoints.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	authorizer Authorizer
	validate   *validator.Validate
	viewGuard  func(http.Handler) http.Handler
	editGuard  func(http.Handler) http.Handler
}

// NewHandler constructs a Handler. viewGuard and editGuard are the
// view-records and edit-records capability middlewares.
func NewHandler(logger *slog.Logger, service *Service, authorizer Authorizer, viewGuard, editGuard func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		authorizer: authorizer,
		validate:   validator.New(),
		viewGuard:  viewGuard,
		editGuard:  editGuard,
	}
}

// MountRoutes registers record routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.viewGuard != nil {
			r.Use(h.viewGuard)
		}
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		if h.editGuard != nil {
			r.Use(h.editGuard)
		}
		r.Post("/", h.create)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.remove)
		r.Post("/bulk", h.bulkUpdate)
		r.Post("/bulk-delete", h.bulkDelete)
	})
}

type recordView struct {
	ID       int64         `json:"id"`
	OrgID    int64         `json:"org_id"`
	Category string        `json:"category"`
	Kind     Kind          `json:"kind"`
	Amount   masking.Value `json:"amount"`
	Period   string        `json:"period"`
	Version  int64         `json:"version"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actorID := sessionActor(r)
	f := ListFilters{
		Category: r.URL.Query().Get("category"),
		Kind:     Kind(r.URL.Query().Get("kind")),
		Period:   r.URL.Query().Get("period"),
		OrgIDs:   parseOrgFilter(r.URL.Query().Get("org_ids")),
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	const perPage = 100
	records, err := h.service.List(r.Context(), actorID, f, perPage, (page-1)*perPage)
	if err != nil {
		h.logger.Error("pfa list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views, err := h.shapeViews(r.Context(), actorID, records)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"records": views, "page": page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	actorID := sessionActor(r)
	rec, err := h.service.Get(r.Context(), actorID, id)
	if err != nil {
		httpx.RespondError(w, mapNotFound(err))
		return
	}
	views, err := h.shapeViews(r.Context(), actorID, []Record{rec})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, views[0])
}

type createRequest struct {
	OrgID    int64   `json:"org_id" validate:"required,gt=0"`
	Category string  `json:"category" validate:"required,max=64"`
	Kind     string  `json:"kind" validate:"required,oneof=plan forecast actual"`
	Amount   float64 `json:"amount" validate:"gte=0"`
	Period   string  `json:"period" validate:"required,max=16"`
	Reason   string  `json:"reason"`
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
		OrgID:    req.OrgID,
		Category: req.Category,
		Kind:     Kind(req.Kind),
		Amount:   req.Amount,
		Period:   req.Period,
		ActorID:  sessionActor(r),
		Reason:   req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views, err := h.shapeViews(r.Context(), sessionActor(r), []Record{created})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, views[0])
}

type updateRequest struct {
	Amount  float64 `json:"amount" validate:"gte=0"`
	Version int64   `json:"version" validate:"required,gt=0"`
	Reason  string  `json:"reason"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	updated, err := h.service.Update(r.Context(), UpdateInput{
		ID:      id,
		Amount:  req.Amount,
		Version: req.Version,
		ActorID: sessionActor(r),
		Reason:  req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, mapNotFound(err))
		return
	}
	views, err := h.shapeViews(r.Context(), sessionActor(r), []Record{updated})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, views[0])
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.Delete(r.Context(), sessionActor(r), id, req.Reason); err != nil {
		httpx.RespondError(w, mapNotFound(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

type bulkUpdateRequest struct {
	Items  []BulkUpdateItem `json:"items" validate:"required,min=1,max=500,dive"`
	Reason string           `json:"reason"`
}

func (h *Handler) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID := sessionActor(r)
	batchID, updated, err := h.service.BulkUpdate(r.Context(), actorID, req.Items, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views, err := h.shapeViews(r.Context(), actorID, updated)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "records": views})
}

type bulkDeleteRequest struct {
	IDs    []int64 `json:"ids" validate:"required,min=1,max=500,dive,gt=0"`
	Reason string  `json:"reason"`
}

func (h *Handler) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	batchID, err := h.service.BulkDelete(r.Context(), sessionActor(r), req.IDs, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "deleted": len(req.IDs)})
}

// shapeViews masks amounts per owning organization: the raw number is only
// shown where the actor holds view-financials in that context.
func (h *Handler) shapeViews(ctx context.Context, actorID int64, records []Record) ([]recordView, error) {
	canView := make(map[int64]bool)
	peersByOrg := make(map[int64][]masking.Peer)
	for _, rec := range records {
		if _, seen := canView[rec.OrgID]; seen {
			continue
		}
		ok, err := h.authorizer.Allows(ctx, actorID, rec.OrgID, capability.ViewFinancials)
		if err != nil {
			return nil, err
		}
		canView[rec.OrgID] = ok
		if !ok {
			peers, err := h.service.Peers(ctx, rec.OrgID)
			if err != nil {
				return nil, err
			}
			peersByOrg[rec.OrgID] = peers
		}
	}
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{
			ID:       rec.ID,
			OrgID:    rec.OrgID,
			Category: rec.Category,
			Kind:     rec.Kind,
			Amount:   masking.Mask(rec.Amount, rec.Category, peersByOrg[rec.OrgID], canView[rec.OrgID]),
			Period:   rec.Period,
			Version:  rec.Version,
		})
	}
	return views, nil
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid record id")
		return 0, false
	}
	return id, true
}

func parseOrgFilter(raw string) []int64 {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil && id > 0 {
			out = append(out, id)
		}
	}
	return out
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
