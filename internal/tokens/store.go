package tokens

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound indicates the key does not exist or has expired.
var ErrKeyNotFound = errors.New("tokens: key not found")

// Key namespaces. Fixed prefixes keep credential state from colliding with
// unrelated data in a shared store.
const (
	refreshPrefix   = "refresh:"
	familyPrefix    = "family:"
	sessionsPrefix  = "sessions:"
	blacklistPrefix = "blacklist:"
)

// Store describes the key-value operations the credential lifecycle needs.
// Implementations must provide per-key atomicity for individual calls; the
// service holds no locks of its own and layers no transactions on top.
type Store interface {
	// Set writes a value. A ttl of zero means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether the key currently resolves.
	Exists(ctx context.Context, key string) (bool, error)

	// SetAdd adds a member to the set at key, creating the set if needed.
	SetAdd(ctx context.Context, key, member string) error
	// SetRemove removes a member; absent members are ignored.
	SetRemove(ctx context.Context, key, member string) error
	// SetMembers lists the members of the set, empty when the set is absent.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Keys enumerates keys with the given prefix. Used only by the rare
	// family-to-user reverse scan and the sweeper.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func refreshKey(token string) string   { return refreshPrefix + token }
func familyKey(family string) string   { return familyPrefix + family }
func sessionsKey(userID string) string { return sessionsPrefix + userID }
func blacklistKey(token string) string { return blacklistPrefix + token }
