package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fieldwork.org/internal/audit"
	"fieldwork.org/internal/obs"
	"fieldwork.org/internal/tokens"
	"fieldwork.org/internal/users"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type sessionsResponse struct {
	Sessions []tokens.Session `json:"sessions"`
}

func pairResponse(pair tokens.Pair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func fingerprintFromRequest(r *http.Request) tokens.Fingerprint {
	return tokens.Fingerprint{
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.users == nil {
		writeError(w, r, http.StatusServiceUnavailable, "identity store unavailable")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	identity, err := a.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrUnauthorized) {
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	pair, err := a.tokens.IssueTokens(r.Context(), identity, fingerprintFromRequest(r))
	obs.ObserveCredentialOp("issue", err)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id": identity.ID,
		"family":  pair.Family,
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.tokens.Rotate(r.Context(), req.RefreshToken, fingerprintFromRequest(r))
	obs.ObserveCredentialOp("rotate", err)
	if err != nil {
		a.handleTokenError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.rotated", map[string]any{
		"family": pair.Family,
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := tokens.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	if token, ok := tokens.TokenFromContext(r.Context()); ok {
		if err := a.tokens.BlacklistAccessToken(r.Context(), token); err != nil {
			writeError(w, r, http.StatusInternalServerError, "logout failed")
			return
		}
	}
	err := a.tokens.RevokeFamily(r.Context(), claims.Family)
	obs.ObserveCredentialOp("revoke_family", err)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"family": claims.Family,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := tokens.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	if token, ok := tokens.TokenFromContext(r.Context()); ok {
		if err := a.tokens.BlacklistAccessToken(r.Context(), token); err != nil {
			writeError(w, r, http.StatusInternalServerError, "logout failed")
			return
		}
	}
	err := a.tokens.RevokeAllForUser(r.Context(), claims.Subject)
	obs.ObserveCredentialOp("revoke_all", err)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.sessions.revoked", map[string]any{
		"user_id": claims.Subject,
		"scope":   "all",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := tokens.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	sessions, err := a.tokens.ListSessions(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

// handleSessionScoped serves DELETE /v1/auth/sessions/{family}: revoking a
// single device session. Users can only revoke families listed in their own
// session index.
func (a *API) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	claims, ok := tokens.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}
	family := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/auth/sessions/"), "/")
	if family == "" || strings.Contains(family, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	sessions, err := a.tokens.ListSessions(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	owned := false
	for _, s := range sessions {
		if s.Family == family {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}

	err = a.tokens.RevokeFamily(r.Context(), family)
	obs.ObserveCredentialOp("revoke_family", err)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.session.revoked", map[string]any{
		"family": family,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminUserScoped serves POST /v1/admin/users/{id}/revoke-sessions:
// admin-initiated mass revocation for one user.
func (a *API) handleAdminUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "revoke-sessions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	RequireRole(tokens.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		userID := parts[0]
		err := a.tokens.RevokeAllForUser(r.Context(), userID)
		obs.ObserveCredentialOp("revoke_all", err)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.sessions.revoked", map[string]any{
			"user_id": userID,
			"scope":   "admin",
		})
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(w, r)
}

// handleTokenError maps the credential error taxonomy onto status codes.
// A detected breach is surfaced distinctly so clients can force a full
// re-authentication and warn the user.
func (a *API) handleTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tokens.ErrSecurityBreach):
		obs.ObserveSecurityBreach()
		_ = audit.LogEvent(r.Context(), "auth.breach.detected", nil)
		payload := map[string]any{
			"error": "session compromised, re-authentication required",
			"code":  "session_compromised",
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusForbidden, payload)
	case errors.Is(err, tokens.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "refresh token expired")
	case errors.Is(err, tokens.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
