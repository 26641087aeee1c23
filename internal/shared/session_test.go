package shared_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/equiplan/equiplan/internal/shared"
	_ "github.com/equiplan/equiplan/testing"
)

func newSessionManager(t *testing.T) *shared.SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
}

func TestSessionRoundTrip(t *testing.T) {
	sm := newSessionManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	sess.SetActor(42)
	sess.SetActiveOrg(10)
	sess.Set("theme", "dark")

	res := httptest.NewRecorder()
	if err := sm.Commit(ctx, res, req, sess); err != nil {
		t.Fatalf("commit session: %v", err)
	}

	cookies := res.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != "test_session" || !cookie.HttpOnly {
		t.Fatalf("unexpected cookie %+v", cookie)
	}

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(cookie)
	loaded, err := sm.Load(ctx, next)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if loaded.Actor() != 42 {
		t.Fatalf("actor = %d, want 42", loaded.Actor())
	}
	if loaded.ActiveOrg() != 10 {
		t.Fatalf("active org = %d, want 10", loaded.ActiveOrg())
	}
	if loaded.Get("theme") != "dark" {
		t.Fatalf("theme = %q, want dark", loaded.Get("theme"))
	}
}

func TestSessionDestroy(t *testing.T) {
	sm := newSessionManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	sess.SetActor(42)
	res := httptest.NewRecorder()
	if err := sm.Commit(ctx, res, req, sess); err != nil {
		t.Fatalf("commit session: %v", err)
	}
	cookie := res.Result().Cookies()[0]

	sm.Destroy(sess)
	res2 := httptest.NewRecorder()
	if err := sm.Commit(ctx, res2, req, sess); err != nil {
		t.Fatalf("commit destroyed session: %v", err)
	}
	cleared := res2.Result().Cookies()[0]
	if cleared.MaxAge != -1 {
		t.Fatalf("expected expired cookie, got MaxAge=%d", cleared.MaxAge)
	}

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(cookie)
	loaded, err := sm.Load(ctx, next)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if loaded.Actor() != 0 {
		t.Fatalf("actor = %d after destroy, want 0", loaded.Actor())
	}
}

func TestCSRFTokenLifecycle(t *testing.T) {
	sm := newSessionManager(t)
	csrf := shared.NewCSRFManager("csrfsecret")
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}

	token, err := csrf.EnsureToken(ctx, sess)
	if err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	again, err := csrf.EnsureToken(ctx, sess)
	if err != nil {
		t.Fatalf("ensure token again: %v", err)
	}
	if again != token {
		t.Fatal("token not stable within a session")
	}

	if err := csrf.VerifyToken(ctx, sess, token); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := csrf.VerifyToken(ctx, sess, "forged"); err != shared.ErrCSRFTokenMismatch {
		t.Fatalf("verify forged: got %v, want mismatch", err)
	}
	if err := csrf.VerifyToken(ctx, sess, ""); err != shared.ErrCSRFTokenMissing {
		t.Fatalf("verify empty: got %v, want missing", err)
	}
}
