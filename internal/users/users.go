// Package users provides the minimal user-identity lookup the credential
// subsystem needs to mint a token. The wider business surface around users
// (tasks, assignments, collection sessions) lives elsewhere.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldwork.org/internal/tokens"
)

var (
	ErrNotFound     = errors.New("users: not found")
	ErrUnauthorized = errors.New("users: unauthorized")
)

const (
	statusActive   = "active"
	statusDisabled = "disabled"
)

// User is the persisted account row backing an identity.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store describes the persistence operations the identity lookup needs.
type Store interface {
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// Service authenticates credentials and produces verified identities.
type Service struct {
	store Store
}

// NewService constructs the identity service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Authenticate verifies email/password against the store and returns the
// identity tokens are minted for. Every failure mode collapses into
// ErrUnauthorized so callers cannot distinguish a missing account from a
// wrong password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (tokens.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return tokens.Identity{}, ErrUnauthorized
	}
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return tokens.Identity{}, ErrUnauthorized
		}
		return tokens.Identity{}, err
	}
	if user.Status != statusActive {
		return tokens.Identity{}, ErrUnauthorized
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return tokens.Identity{}, ErrUnauthorized
	}
	role := tokens.Role(user.Role)
	if !role.Valid() {
		return tokens.Identity{}, fmt.Errorf("users: account %s has unknown role %q", user.ID, user.Role)
	}
	return tokens.Identity{ID: user.ID, Email: user.Email, Role: role}, nil
}
