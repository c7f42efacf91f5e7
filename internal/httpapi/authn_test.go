package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fieldwork.org/internal/tokens"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "ok", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
		{name: "scheme only", header: "Bearer", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	public := []string{"/v1/auth/login", "/v1/auth/refresh", "/healthz", "/readyz", "/metrics", "/v1/info", "/"}
	for _, p := range public {
		if !isPublicPath(p) {
			t.Errorf("%s should be public", p)
		}
	}
	private := []string{"/v1/auth/logout", "/v1/auth/sessions", "/v1/admin/users/u1/revoke-sessions"}
	for _, p := range private {
		if isPublicPath(p) {
			t.Errorf("%s should require auth", p)
		}
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/auth/sessions", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Fatalf("expected Bearer challenge, got %q", got)
	}
}

func TestWithAuthRejectsGarbageToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/auth/sessions", nil, authz("not.a.jwt"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	guard := RequireRole(tokens.RoleAdmin)(next)

	t.Run("no claims", func(t *testing.T) {
		rec := httptest.NewRecorder()
		guard.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/admin/users/u1/revoke-sessions", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("wrong role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/users/u1/revoke-sessions", nil)
		req = req.WithContext(tokens.ContextWithClaims(req.Context(), &tokens.Claims{Role: tokens.RoleCollector}))
		rec := httptest.NewRecorder()
		guard.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, "insufficient_scope") {
			t.Fatalf("expected insufficient_scope challenge, got %q", got)
		}
	})

	t.Run("allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/users/u1/revoke-sessions", nil)
		req = req.WithContext(tokens.ContextWithClaims(req.Context(), &tokens.Claims{Role: tokens.RoleAdmin}))
		rec := httptest.NewRecorder()
		guard.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}
