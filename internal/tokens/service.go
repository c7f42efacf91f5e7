package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fieldwork.org/internal/ids"
)

// Service implements the credential lifecycle: issuance, rotation,
// replay detection, revocation, and session enumeration.
//
// All state lives in the injected Store; the service keeps no in-process
// locks and relies on per-key atomicity only. The rotation path's lookup and
// delete are two separate round-trips, so two concurrent exchanges of the
// same refresh token can both observe the record before either deletes it.
// That window is an accepted limitation of the non-transactional store
// contract, not something this layer papers over.
type Service struct {
	store  Store
	signer *Signer
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the credential lifecycle service.
func NewService(store Store, signer *Signer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("tokens: store is required")
	}
	if signer == nil {
		return nil, errors.New("tokens: signer is required")
	}
	svc := &Service{
		store:  store,
		signer: signer,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// VerifyAccess validates an access token's signature, expiry, and type.
// It does not consult the blacklist; callers pair it with IsBlacklisted.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	return s.signer.VerifyAccess(token)
}

// IssueTokens mints an access/refresh pair for a verified identity, opening
// a new token family. Three store writes: the refresh record, the family
// pointer, and the user's session index membership.
func (s *Service) IssueTokens(ctx context.Context, identity Identity, fp Fingerprint) (Pair, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return Pair{}, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	family := ids.New()
	now := s.now().UTC()
	record := refreshRecord{
		UserID:     identity.ID,
		Family:     family,
		CreatedAt:  now,
		LastUsedAt: now,
		UserAgent:  fp.UserAgent,
		IPAddress:  fp.IPAddress,
	}
	pair, err := s.mintPair(ctx, identity, family, record)
	if err != nil {
		return Pair{}, err
	}
	// The session set itself carries no TTL: it must outlive any single
	// login to aggregate families across devices. The sweeper prunes it.
	if err := s.store.SetAdd(ctx, sessionsKey(identity.ID), family); err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// Rotate exchanges a presented refresh token for a new pair within the same
// family. Presenting a token whose record is already gone is the replay
// signal: the whole family is revoked and ErrSecurityBreach returned, since
// an attacker holding a stolen old token and a user who rotated normally are
// indistinguishable except by this signal.
func (s *Service) Rotate(ctx context.Context, refreshToken string, fp Fingerprint) (Pair, error) {
	claims, err := s.signer.VerifyRefresh(refreshToken)
	if errors.Is(err, ErrTokenExpired) {
		// The store entry, if any survived, is now irrelevant.
		_ = s.store.Delete(ctx, refreshKey(refreshToken))
		return Pair{}, ErrTokenExpired
	}
	if err != nil {
		return Pair{}, ErrInvalidToken
	}

	raw, err := s.store.Get(ctx, refreshKey(refreshToken))
	if errors.Is(err, ErrKeyNotFound) {
		if revokeErr := s.RevokeFamily(ctx, claims.Family); revokeErr != nil {
			return Pair{}, revokeErr
		}
		return Pair{}, ErrSecurityBreach
	}
	if err != nil {
		return Pair{}, err
	}

	// Single-use enforcement: drop the old record before minting the
	// replacement, closing most of the double-exchange window.
	if err := s.store.Delete(ctx, refreshKey(refreshToken)); err != nil {
		return Pair{}, err
	}

	var record refreshRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Pair{}, fmt.Errorf("%w: corrupt refresh record", ErrInvalidToken)
	}

	record.LastUsedAt = s.now().UTC()
	if fp.UserAgent != "" {
		record.UserAgent = fp.UserAgent
	}
	if fp.IPAddress != "" {
		record.IPAddress = fp.IPAddress
	}

	identity := Identity{ID: claims.Subject, Email: claims.Email, Role: claims.Role}
	return s.mintPair(ctx, identity, claims.Family, record)
}

// mintPair signs both tokens, persists the refresh record under the literal
// token string, and repoints the family to the new refresh token.
func (s *Service) mintPair(ctx context.Context, identity Identity, family string, record refreshRecord) (Pair, error) {
	access, accessExp, err := s.signer.SignAccess(identity, family)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := s.signer.SignRefresh(identity, family)
	if err != nil {
		return Pair{}, err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return Pair{}, fmt.Errorf("encode refresh record: %w", err)
	}
	ttl := s.signer.RefreshTTL()
	if err := s.store.Set(ctx, refreshKey(refresh), string(encoded), ttl); err != nil {
		return Pair{}, err
	}
	if err := s.store.Set(ctx, familyKey(family), refresh, ttl); err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		Family:           family,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// RevokeFamily invalidates one token family: the current refresh record, the
// family pointer, and every session index referencing the family. Idempotent.
//
// No reverse family-to-user mapping is kept, so the index cleanup scans all
// session sets. Revocation is rare and off the hot path; the O(users) cost
// is accepted.
func (s *Service) RevokeFamily(ctx context.Context, family string) error {
	family = strings.TrimSpace(family)
	if family == "" {
		return fmt.Errorf("%w: token family is required", ErrInvalidInput)
	}
	current, err := s.store.Get(ctx, familyKey(family))
	switch {
	case err == nil:
		if err := s.store.Delete(ctx, refreshKey(current)); err != nil {
			return err
		}
	case errors.Is(err, ErrKeyNotFound):
		// Already revoked or expired; still sweep the indexes below.
	default:
		return err
	}
	if err := s.store.Delete(ctx, familyKey(family)); err != nil {
		return err
	}
	indexKeys, err := s.store.Keys(ctx, sessionsPrefix)
	if err != nil {
		return err
	}
	for _, key := range indexKeys {
		if err := s.store.SetRemove(ctx, key, family); err != nil {
			return err
		}
	}
	return nil
}

// RevokeAllForUser revokes every active family of the user and drops the
// session index itself. Idempotent.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	families, err := s.store.SetMembers(ctx, sessionsKey(userID))
	if err != nil {
		return err
	}
	for _, family := range families {
		if err := s.RevokeFamily(ctx, family); err != nil {
			return err
		}
	}
	return s.store.Delete(ctx, sessionsKey(userID))
}

// BlacklistAccessToken marks a still-live access token as revoked for its
// remaining lifetime. A token that no longer verifies needs no entry; a
// token already past expiry gets none either (the ttl guard).
func (s *Service) BlacklistAccessToken(ctx context.Context, token string) error {
	claims, err := s.signer.VerifyAccess(token)
	if err != nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.store.Set(ctx, blacklistKey(token), "revoked", ttl)
}

// IsBlacklisted reports whether the access token was explicitly revoked
// before its natural expiry. Absence does not imply validity.
func (s *Service) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	return s.store.Exists(ctx, blacklistKey(token))
}

// ListSessions enumerates the user's active token families, most recently
// used first. Families whose pointer or record has already expired are
// skipped silently; the sweeper repairs the index on its own schedule.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	families, err := s.store.SetMembers(ctx, sessionsKey(userID))
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(families))
	for _, family := range families {
		current, err := s.store.Get(ctx, familyKey(family))
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, err := s.store.Get(ctx, refreshKey(current))
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var record refreshRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		sessions = append(sessions, Session{
			Family:     family,
			CreatedAt:  record.CreatedAt,
			LastUsedAt: record.LastUsedAt,
			UserAgent:  record.UserAgent,
			IPAddress:  record.IPAddress,
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})
	return sessions, nil
}
