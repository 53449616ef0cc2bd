package domain

import "time"

// CredentialScheme names the credential strategy that resolved a principal.
type CredentialScheme string

const (
	SchemeSession CredentialScheme = "session"
	SchemeBearer  CredentialScheme = "bearer"
)

// Principal is the authenticated identity a request is attributed to.
type Principal struct {
	UserID string
	Scheme CredentialScheme
	// CredentialID is the api token id for bearer principals. Empty for sessions.
	CredentialID string
}

// Session is an opaque server-side token bound to a user.
type Session struct {
	Token     string    `db:"token"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

// Valid reports whether the session has not yet expired at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// APIToken is a caller-held secret. Only the SHA-256 hex digest is stored.
type APIToken struct {
	ID         string     `db:"id"`
	UserID     string     `db:"user_id"`
	Name       string     `db:"name"`
	TokenHash  string     `db:"token_hash"`
	ExpiresAt  *time.Time `db:"expires_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
	DeletedAt  *time.Time `db:"deleted_at"`
}

// Valid reports whether the token may authenticate at now: it is not
// soft-deleted and its expiry is unset or strictly in the future.
func (t *APIToken) Valid(now time.Time) bool {
	if t == nil || t.DeletedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}
