package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/equiplan/equiplan/internal/capability"
	"github.com/equiplan/equiplan/internal/masking"
	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// Authorizer answers capability questions for the reader, used to decide
// whether monetary snapshot fields are shown raw or masked.
type Authorizer interface {
	Allows(ctx context.Context, actorID, orgID int64, action string) (bool, error)
}

// PeerSource supplies the category peer group for masking snapshot amounts.
type PeerSource interface {
	Peers(ctx context.Context, orgID int64) ([]masking.Peer, error)
}

// Handler wires timeline, export and revert endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	reverter    *Reverter
	authorizer  Authorizer
	peers       PeerSource
	viewGuard   func(http.Handler) http.Handler
	revertGuard func(http.Handler) http.Handler
}

// NewHandler constructs a Handler. viewGuard and revertGuard are the
// view-audit and revert-audit capability middlewares.
func NewHandler(logger *slog.Logger, service *Service, reverter *Reverter, authorizer Authorizer, peers PeerSource, viewGuard, revertGuard func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		reverter:    reverter,
		authorizer:  authorizer,
		peers:       peers,
		viewGuard:   viewGuard,
		revertGuard: revertGuard,
	}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.viewGuard != nil {
			r.Use(h.viewGuard)
		}
		r.Get("/", h.timeline)
		r.Get("/export", h.export)
	})
	r.Group(func(r chi.Router) {
		if h.revertGuard != nil {
			r.Use(h.revertGuard)
		}
		r.Post("/revert/{batchID}", h.revert)
	})
}

type entryView struct {
	ID           int64           `json:"id"`
	ActorID      int64           `json:"actor_id"`
	OrgID        *int64          `json:"org_id,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
	At           time.Time       `json:"at"`
}

func toEntryView(e Entry) entryView {
	return entryView{
		ID:           e.ID,
		ActorID:      e.ActorID,
		OrgID:        e.OrgID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Before:       e.Before,
		After:        e.After,
		Reason:       e.Reason,
		BatchID:      e.BatchID,
		At:           e.At,
	}
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, orgID := h.parseFilters(r)
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.redactForReader(r, orgID, result.Rows)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]entryView, 0, len(rows))
	for _, e := range rows {
		views = append(views, toEntryView(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
			"prev_page": result.Paging.PrevPage,
			"next_page": result.Paging.NextPage,
		},
	})
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	filters, orgID := h.parseFilters(r)
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	rows, err = h.redactForReader(r, orgID, rows)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-%s.csv", time.Now().UTC().Format("20060102-150405")))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "at", "actor_id", "org_id", "action", "resource_type", "resource_id", "reason", "batch_id", "before", "after"})
	for _, e := range rows {
		orgCol := ""
		if e.OrgID != nil {
			orgCol = strconv.FormatInt(*e.OrgID, 10)
		}
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(e.ActorID, 10),
			orgCol,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.Reason,
			e.BatchID,
			string(e.Before),
			string(e.After),
		})
	}
	cw.Flush()
}

type revertRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) revert(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "missing batch id")
		return
	}
	var req revertRequest
	_ = httpx.DecodeJSON(r, &req)
	sess := shared.SessionFromContext(r.Context())
	actorID := int64(0)
	if sess != nil {
		actorID = sess.Actor()
	}
	result, err := h.reverter.RevertBatch(r.Context(), batchID, actorID, req.Reason)
	if err != nil {
		if err == ErrBatchNotFound {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no entries carry that batch id")
			return
		}
		h.logger.Error("audit revert", slog.String("batch", batchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch_id": result.BatchID,
		"reverted": result.Reverted,
		"poisoned": result.Poisoned,
	})
}

// redactForReader masks monetary snapshot fields unless the reader holds
// view-financials in the organization context. The capability probe and the
// peer group load are independent reads, so they run concurrently.
func (h *Handler) redactForReader(r *http.Request, orgID int64, rows []Entry) ([]Entry, error) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || h.authorizer == nil {
		return rows, nil
	}
	var (
		canView bool
		peers   []masking.Peer
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		canView, err = h.authorizer.Allows(ctx, sess.Actor(), orgID, capability.ViewFinancials)
		return err
	})
	if h.peers != nil {
		g.Go(func() error {
			var err error
			peers, err = h.peers.Peers(ctx, orgID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if canView {
		return rows, nil
	}
	out := make([]Entry, len(rows))
	for i, e := range rows {
		out[i] = RedactEntry(e, false, peers)
	}
	return out, nil
}

func (h *Handler) parseFilters(r *http.Request) (TimelineFilters, int64) {
	q := r.URL.Query()
	var f TimelineFilters
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	f.ActorID, _ = strconv.ParseInt(q.Get("actor_id"), 10, 64)
	f.Action = q.Get("action")
	f.Resource = q.Get("resource")
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	// The timeline is always scoped to the active organization context.
	orgID := int64(0)
	if id, ok := shared.ActiveOrgFromContext(r.Context()); ok {
		orgID = id
	} else if sess := shared.SessionFromContext(r.Context()); sess != nil {
		orgID = sess.ActiveOrg()
	}
	f.OrgID = orgID
	return f, orgID
}
