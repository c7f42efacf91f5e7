package tokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "fieldwork"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims is the signed payload carried by every credential. Family is stable
// across all rotations descending from one login event.
type Claims struct {
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Family    string `json:"family"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 credentials. Access and refresh tokens use
// distinct secrets and distinct lifetimes.
type Signer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// SignerOption configures Signer behavior.
type SignerOption func(*Signer) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) SignerOption {
	return func(s *Signer) error {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithSignerClock overrides the time source (useful for tests).
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *Signer) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewSigner constructs a Signer. Both secrets are required and must differ:
// a refresh token must never verify under the access secret or vice versa.
func NewSigner(accessSecret, refreshSecret string, opts ...SignerOption) (*Signer, error) {
	accessSecret = strings.TrimSpace(accessSecret)
	refreshSecret = strings.TrimSpace(refreshSecret)
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("tokens: both access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("tokens: access and refresh secrets must differ")
	}
	s := &Signer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		issuer:        defaultIssuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *Signer) RefreshTTL() time.Duration { return s.refreshTTL }

// SignAccess mints a short-lived access token for the identity and family.
func (s *Signer) SignAccess(identity Identity, family string) (string, time.Time, error) {
	return s.sign(identity, family, tokenTypeAccess, s.accessSecret, s.accessTTL)
}

// SignRefresh mints a long-lived refresh token for the identity and family.
func (s *Signer) SignRefresh(identity Identity, family string) (string, time.Time, error) {
	return s.sign(identity, family, tokenTypeRefresh, s.refreshSecret, s.refreshTTL)
}

func (s *Signer) sign(identity Identity, family, tokenType string, secret []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if !identity.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, identity.Role)
	}
	if strings.TrimSpace(family) == "" {
		return "", time.Time{}, fmt.Errorf("%w: token family is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Email:     identity.Email,
		Role:      identity.Role,
		Family:    family,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, exp, nil
}

// VerifyAccess checks signature, expiry, and type on an access token.
func (s *Signer) VerifyAccess(token string) (*Claims, error) {
	return s.verify(token, tokenTypeAccess, s.accessSecret)
}

// VerifyRefresh checks signature, expiry, and type on a refresh token.
func (s *Signer) VerifyRefresh(token string) (*Claims, error) {
	return s.verify(token, tokenTypeRefresh, s.refreshSecret)
}

func (s *Signer) verify(token, wantType string, secret []byte) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := s.validateClaims(claims, wantType); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Signer) validateClaims(claims *Claims, wantType string) error {
	if claims.Issuer != s.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.TokenType != wantType {
		return fmt.Errorf("unexpected token type: %s", claims.TokenType)
	}
	if strings.TrimSpace(claims.Family) == "" {
		return errors.New("token family missing")
	}
	if !claims.Role.Valid() {
		return fmt.Errorf("unknown role: %s", claims.Role)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
