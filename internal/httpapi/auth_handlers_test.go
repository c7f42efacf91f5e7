package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldwork.org/internal/tokens"
	"fieldwork.org/internal/users"
)

type fakeUserStore struct {
	byEmail map[string]*users.User
}

func (f *fakeUserStore) Find(ctx context.Context, id string) (*users.User, error) {
	for _, u := range f.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, users.ErrNotFound
}

func (f *fakeUserStore) FindByEmail(ctx context.Context, email string) (*users.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, users.ErrNotFound
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	hash, err := users.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	userStore := &fakeUserStore{byEmail: map[string]*users.User{
		"one@example.org": {ID: "user-1", Email: "one@example.org", PasswordHash: hash, Role: "collector", Status: "active"},
		"adm@example.org": {ID: "user-9", Email: "adm@example.org", PasswordHash: hash, Role: "admin", Status: "active"},
	}}

	signer, err := tokens.NewSigner("access-secret", "refresh-secret",
		tokens.WithAccessTTL(15*time.Minute),
		tokens.WithRefreshTTL(7*24*time.Hour),
	)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tokenSvc, err := tokens.NewService(tokens.NewMemoryStore(), signer)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(ReadyProbe{}, "test", tokenSvc, users.NewService(userStore))
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) decode(resp *http.Response, dst any) {
	c.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
}

func (c *apiClient) login(email string) tokenPairResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", loginRequest{Email: email, Password: "correct horse"}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	var pair tokenPairResponse
	c.decode(resp, &pair)
	return pair
}

func authz(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestLoginIssuesPair(t *testing.T) {
	c := newTestAPI(t)

	pair := c.login("one@example.org")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token type: %s", pair.TokenType)
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Fatalf("refresh expiry should outlive access expiry")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/v1/auth/login", loginRequest{Email: "one@example.org", Password: "wrong"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	c := newTestAPI(t)
	first := c.login("one@example.org")

	resp := c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotation: expected 200, got %d", resp.StatusCode)
	}
	var second tokenPairResponse
	c.decode(resp, &second)

	// Replaying the consumed refresh token must surface distinctly.
	resp = c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("replay: expected 403, got %d", resp.StatusCode)
	}
	var body map[string]any
	c.decode(resp, &body)
	if body["code"] != "session_compromised" {
		t.Fatalf("expected session_compromised code, got %v", body)
	}

	// The rotated-to token died with the family.
	resp = c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: second.RefreshToken}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("post-breach rotation: expected 403, got %d", resp.StatusCode)
	}
}

func TestSessionsListedPerDevice(t *testing.T) {
	c := newTestAPI(t)
	c.login("one@example.org")
	laptop := c.login("one@example.org")

	resp := c.do(http.MethodGet, "/v1/auth/sessions", nil, authz(laptop.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions: expected 200, got %d", resp.StatusCode)
	}
	var list sessionsResponse
	c.decode(resp, &list)
	if len(list.Sessions) != 2 {
		t.Fatalf("expected two sessions, got %d", len(list.Sessions))
	}
}

func TestLogoutBlacklistsAccessToken(t *testing.T) {
	c := newTestAPI(t)
	pair := c.login("one@example.org")

	resp := c.do(http.MethodPost, "/v1/auth/logout", nil, authz(pair.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", resp.StatusCode)
	}

	// The still-live access token no longer authenticates.
	resp = c.do(http.MethodGet, "/v1/auth/sessions", nil, authz(pair.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-logout: expected 401, got %d", resp.StatusCode)
	}

	// And the refresh token was revoked with the family.
	resp = c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("post-logout rotation: expected 403, got %d", resp.StatusCode)
	}
}

func TestLogoutAllRevokesEveryDevice(t *testing.T) {
	c := newTestAPI(t)
	phone := c.login("one@example.org")
	laptop := c.login("one@example.org")

	resp := c.do(http.MethodPost, "/v1/auth/logout-all", nil, authz(laptop.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout-all: expected 204, got %d", resp.StatusCode)
	}

	for name, token := range map[string]string{"phone": phone.RefreshToken, "laptop": laptop.RefreshToken} {
		resp = c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: token}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s rotation after logout-all: expected 403, got %d", name, resp.StatusCode)
		}
	}
}

func TestRevokeSingleSession(t *testing.T) {
	c := newTestAPI(t)
	phone := c.login("one@example.org")
	laptop := c.login("one@example.org")

	resp := c.do(http.MethodGet, "/v1/auth/sessions", nil, authz(phone.AccessToken))
	var list sessionsResponse
	c.decode(resp, &list)
	if len(list.Sessions) != 2 {
		t.Fatalf("expected two sessions, got %d", len(list.Sessions))
	}
	// Sessions come back most recently used first, so the phone login is last.
	phoneFamily := list.Sessions[len(list.Sessions)-1].Family

	resp = c.do(http.MethodDelete, "/v1/auth/sessions/"+phoneFamily, nil, authz(laptop.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke session: expected 204, got %d", resp.StatusCode)
	}

	resp = c.do(http.MethodDelete, "/v1/auth/sessions/"+phoneFamily, nil, authz(laptop.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("revoking a gone session: expected 404, got %d", resp.StatusCode)
	}
}

func TestAdminRevokeSessions(t *testing.T) {
	c := newTestAPI(t)
	victim := c.login("one@example.org")
	admin := c.login("adm@example.org")

	// A collector cannot reach the admin surface.
	resp := c.do(http.MethodPost, "/v1/admin/users/user-1/revoke-sessions", nil, authz(victim.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}

	resp = c.do(http.MethodPost, "/v1/admin/users/user-1/revoke-sessions", nil, authz(admin.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = c.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: victim.RefreshToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("victim rotation after admin revoke: expected 403, got %d", resp.StatusCode)
	}
}
