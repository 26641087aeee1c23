package grants

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equiplan/equiplan/internal/shared"
	"github.com/equiplan/equiplan/internal/tenant"
	_ "github.com/equiplan/equiplan/testing"
)

func newGrantRouter(t *testing.T, seed ...Grant) *chi.Mux {
	t.Helper()
	store := newMemStore(seed...)
	ledger := &recordingLedger{}
	svc := NewService(store, &stubOrgs{}, ledger)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// The store doubles as the membership source: an actor's organizations
	// are exactly the ones they hold a grant in.
	h := NewHandler(logger, svc, tenant.NewGuard(store), nil)
	r := chi.NewRouter()
	r.Route("/grants", h.MountRoutes)
	return r
}

func authed(r *http.Request, actorID int64) *http.Request {
	sess := &shared.Session{}
	sess.SetActor(actorID)
	return r.WithContext(shared.ContextWithSession(r.Context(), sess))
}

func seedGrants() []Grant {
	now := time.Now().UTC()
	return []Grant{
		{ActorID: 7, OrgID: 10, Role: "org_admin", GrantedBy: 1, GrantedAt: now, Version: 1},
		{ActorID: 8, OrgID: 10, Role: "viewer", GrantedBy: 7, GrantedAt: now, Version: 1},
		{ActorID: 8, OrgID: 20, Role: "org_admin", GrantedBy: 1, GrantedAt: now, Version: 1},
	}
}

func TestGrantReadsRequireSession(t *testing.T) {
	router := newGrantRouter(t, seedGrants()...)
	for _, path := range []string{"/grants/org/10", "/grants/actor/7", "/grants/7/10"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestGrantReadsDenyForeignOrganizations(t *testing.T) {
	router := newGrantRouter(t, seedGrants()...)

	// Actor 7 holds a grant only in org 10; org 20 is another tenant.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/grants/org/20", nil), 7))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/grants/8/20", nil), 7))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGrantReadsServeOwnOrganization(t *testing.T) {
	router := newGrantRouter(t, seedGrants()...)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/grants/org/10", nil), 7))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Grants []grantView `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Grants, 2)
}

func TestListByActorHidesForeignMemberships(t *testing.T) {
	router := newGrantRouter(t, seedGrants()...)

	// Actor 8 belongs to orgs 10 and 20. A caller from org 10 sees only
	// the org-10 slice of 8's grants.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/grants/actor/8", nil), 7))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Grants []grantView `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Grants, 1)
	assert.Equal(t, int64(10), body.Grants[0].OrgID)
}
