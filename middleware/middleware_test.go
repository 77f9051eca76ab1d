package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/auth"
	"github.com/whisper-darkly/signalwatch/store"
)

var secret = []byte("test-secret")

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	h := RequireAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/incidents/1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestRequireAuthInjectsClaims(t *testing.T) {
	sid := uuid.New()
	token, err := auth.IssueAccessToken(secret, 9, sid, store.RoleOperator)
	if err != nil {
		t.Fatalf("issue err = %v", err)
	}

	var gotID int64
	var gotRole store.Role
	var gotSession uuid.UUID
	h := RequireAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = ContextUserID(r)
		gotRole = ContextUserRole(r)
		gotSession = ContextSessionID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/incidents/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if gotID != 9 || gotRole != store.RoleOperator || gotSession != sid {
		t.Errorf("gotID=%d gotRole=%s gotSession=%s", gotID, gotRole, gotSession)
	}
}

func TestRequireAdminRejectsOperatorRole(t *testing.T) {
	token, _ := auth.IssueAccessToken(secret, 1, uuid.New(), store.RoleOperator)
	h := RequireAuth(secret)(RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("admin handler should not run for operator role")
	})))

	req := httptest.NewRequest(http.MethodPost, "/ai/circuit-breaker/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestRequireAdminAllowsAdminRole(t *testing.T) {
	token, _ := auth.IssueAccessToken(secret, 1, uuid.New(), store.RoleAdmin)
	ran := false
	h := RequireAuth(secret)(RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	})))

	req := httptest.NewRequest(http.MethodPost, "/ai/circuit-breaker/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if !ran {
		t.Fatal("expected admin handler to run")
	}
}
