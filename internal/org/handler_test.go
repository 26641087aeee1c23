package org

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equiplan/equiplan/internal/shared"
	"github.com/equiplan/equiplan/internal/tenant"
	_ "github.com/equiplan/equiplan/testing"
)

type memberships map[int64][]int64

func (m memberships) AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error) {
	return m[actorID], nil
}

func newOrgRouter(t *testing.T) *chi.Mux {
	t.Helper()
	store := newMemStore(
		Organization{ID: 10, Code: "ACME", Name: "Acme Heavy", Status: StatusActive},
		Organization{ID: 20, Code: "RIVL", Name: "Rival Rentals", Status: StatusActive},
	)
	svc := NewService(store, &recordingLedger{}, nil, discardLogger())
	guard := tenant.NewGuard(memberships{7: {10}})
	h := NewHandler(discardLogger(), svc, guard, nil)
	r := chi.NewRouter()
	r.Route("/orgs", h.MountRoutes)
	return r
}

func authed(r *http.Request, actorID int64) *http.Request {
	sess := &shared.Session{}
	sess.SetActor(actorID)
	return r.WithContext(shared.ContextWithSession(r.Context(), sess))
}

func TestOrgReadsRequireSession(t *testing.T) {
	router := newOrgRouter(t)
	for _, path := range []string{"/orgs/", "/orgs/10", "/orgs/10/members"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestOrgReadsDenyForeignTenants(t *testing.T) {
	router := newOrgRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/orgs/20", nil), 7))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/orgs/20/members", nil), 7))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOrgListNarrowsToAllowedSet(t *testing.T) {
	router := newOrgRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/orgs/", nil), 7))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Organizations []orgView `json:"organizations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Organizations, 1)
	assert.Equal(t, int64(10), body.Organizations[0].ID)
}

func TestOrgGetServesOwnTenant(t *testing.T) {
	router := newOrgRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/orgs/10", nil), 7))
	require.Equal(t, http.StatusOK, rec.Code)
	var body orgView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ACME", body.Code)
}
