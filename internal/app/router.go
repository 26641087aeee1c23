package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/equiplan/equiplan/internal/actors"
	"github.com/equiplan/equiplan/internal/audit"
	"github.com/equiplan/equiplan/internal/authz"
	"github.com/equiplan/equiplan/internal/grants"
	"github.com/equiplan/equiplan/internal/observability"
	"github.com/equiplan/equiplan/internal/org"
	"github.com/equiplan/equiplan/internal/pfa"
	"github.com/equiplan/equiplan/internal/shared"
	"github.com/equiplan/equiplan/internal/tenant"
	"github.com/equiplan/equiplan/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	AuthHandler    *actors.AuthHandler
	ActorsHandler  *actors.Handler
	OrgHandler     *org.Handler
	GrantsHandler  *grants.Handler
	AuthzHandler   *authz.Handler
	AuditHandler   *audit.Handler
	PFAHandler     *pfa.Handler
	JobHandler     *jobs.Handler
	TenantContext  tenant.Middleware
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	r.Use(params.TenantContext.OrgContext)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	r.Route("/actors", params.ActorsHandler.MountRoutes)
	r.Route("/orgs", params.OrgHandler.MountRoutes)
	r.Route("/grants", params.GrantsHandler.MountRoutes)
	r.Route("/authz", params.AuthzHandler.MountRoutes)
	r.Route("/audit", params.AuditHandler.MountRoutes)
	r.Route("/records", params.PFAHandler.MountRoutes)
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
