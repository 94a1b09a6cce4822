package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret", time.Hour)
	tok, err := v.Issue(Identity{ID: "sd1", Email: "sd1@fleet.in", Role: RoleSubDriver, ParentID: "d1", Vehicle: "car"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := v.Verify("Bearer " + tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.ID != "sd1" || id.Role != RoleSubDriver || id.ParentID != "d1" || id.Vehicle != "car" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.MainDriverID() != "d1" {
		t.Fatalf("sub-driver should resolve to parent, got %s", id.MainDriverID())
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret", time.Hour)
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := v.Verify("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	other, _ := NewVerifier("other", time.Hour).Issue(Identity{ID: "c1", Role: RoleCustomer})
	if _, err := v.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch to be invalid, got %v", err)
	}
	expired, _ := NewVerifier("secret", -time.Minute).Issue(Identity{ID: "c1", Role: RoleCustomer})
	if _, err := v.Verify(expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" Driver "); err != nil || r != RoleDriver {
		t.Fatalf("expected driver, got %v %v", r, err)
	}
	if _, err := ParseRole("pilot"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret", time.Hour)
	var seen Identity
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rides/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, _ := v.Issue(Identity{ID: "c1", Role: RoleCustomer})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rides/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen.ID != "c1" {
		t.Fatalf("expected pass-through with identity, got %d %+v", rec.Code, seen)
	}
}
