package actors

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equiplan/equiplan/internal/shared"
	_ "github.com/equiplan/equiplan/testing"
)

func newActorRouter(t *testing.T) *chi.Mux {
	t.Helper()
	store := newMemStore(
		Actor{ID: 1, Email: "planner@acme.test", DisplayName: "Planner", Status: StatusActive},
		Actor{ID: 2, Email: "viewer@acme.test", DisplayName: "Viewer", Status: StatusActive},
		Actor{ID: 3, Email: "admin@rival.test", DisplayName: "Rival", Status: StatusActive},
	)
	store.orgsOf = map[int64][]int64{1: {10}, 2: {10}, 3: {20}}
	membership := &stubMembership{orgs: map[int64][]int64{1: {10}, 2: {10}, 3: {20}}}
	svc := NewService(store, membership, &recordingLedger{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, svc, nil)
	r := chi.NewRouter()
	r.Route("/actors", h.MountRoutes)
	return r
}

func authed(r *http.Request, actorID int64) *http.Request {
	sess := &shared.Session{}
	sess.SetActor(actorID)
	return r.WithContext(shared.ContextWithSession(r.Context(), sess))
}

func TestActorReadsRequireSession(t *testing.T) {
	router := newActorRouter(t)
	for _, path := range []string{"/actors/", "/actors/3", "/actors/3/organizations"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestActorListShowsOnlySharedOrganizations(t *testing.T) {
	router := newActorRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/actors/", nil), 1))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Actors []actorView `json:"actors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	ids := make([]int64, 0, len(body.Actors))
	for _, a := range body.Actors {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestActorGetHidesForeignTenants(t *testing.T) {
	router := newActorRouter(t)

	// Foreign actors respond as missing so their ids cannot be probed.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/actors/3", nil), 1))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/actors/3/organizations", nil), 1))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/actors/2", nil), 1))
	require.Equal(t, http.StatusOK, rec.Code)
	var body actorView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "viewer@acme.test", body.Email)
}
