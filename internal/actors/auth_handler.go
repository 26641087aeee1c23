package actors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/equiplan/equiplan/internal/platform/httpx"
	"github.com/equiplan/equiplan/internal/shared"
)

// AuthHandler wires login, logout and organization context switching.
type AuthHandler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validate       *validator.Validate
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager) *AuthHandler {
	return &AuthHandler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
		validate:       validator.New(),
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *AuthHandler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/context", h.handleSwitchContext)
	r.Get("/me", h.handleMe)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	actor, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "email or password invalid")
		return
	}
	sess.SetActor(actor.ID)
	if actor.DefaultOrgID != nil {
		// The default context still has to survive the membership check.
		if err := h.service.SwitchContext(r.Context(), sess, actor.ID, *actor.DefaultOrgID); err != nil {
			h.logger.Warn("default org context rejected",
				slog.Int64("actor", actor.ID), slog.Int64("org", *actor.DefaultOrgID))
		}
	}
	token, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"actor":      toView(actor),
		"active_org": sess.ActiveOrg(),
		"csrf_token": token,
	})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		h.sessionManager.Destroy(sess)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

type switchContextRequest struct {
	OrgID int64 `json:"org_id" validate:"required,gt=0"`
}

// handleSwitchContext changes the active organization. The membership check
// is re-run against live grant state; an authenticated session earns no
// shortcut.
func (h *AuthHandler) handleSwitchContext(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Actor() == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}
	var req switchContextRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SwitchContext(r.Context(), sess, sess.Actor(), req.OrgID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"active_org": req.OrgID})
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Actor() == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}
	actor, err := h.service.Get(r.Context(), sess.Actor())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	orgs, err := h.service.AllowedOrgs(r.Context(), actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"actor":        toView(actor),
		"active_org":   sess.ActiveOrg(),
		"allowed_orgs": orgs,
	})
}
