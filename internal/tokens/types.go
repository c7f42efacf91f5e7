package tokens

import "time"

// Role is the closed set of roles a credential can carry.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCollector Role = "collector"
)

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCollector:
		return true
	}
	return false
}

// Identity is a verified user identity tokens are minted for. Producing it
// (password verification, account status checks) is the caller's concern.
type Identity struct {
	ID    string
	Email string
	Role  Role
}

// Fingerprint describes the client a credential was issued to. Both fields
// are optional and informational only.
type Fingerprint struct {
	UserAgent string
	IPAddress string
}

// Pair is an issued access/refresh credential pair. Family links every pair
// descending from one login event.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	Family           string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Session is one active login as reported by ListSessions.
type Session struct {
	Family     string    `json:"family"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
}

// refreshRecord is the stored state behind one live refresh token. It is
// keyed by the literal signed token string; the record disappearing while the
// token still verifies is the replay signal.
type refreshRecord struct {
	UserID     string    `json:"user_id"`
	Family     string    `json:"family"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
}
