package ports

import (
	"context"
	"errors"
	"time"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// CredentialStore is the read-mostly lookup used by the credential resolver.
type CredentialStore interface {
	// GetSession returns the session bound to token or ErrNotFound.
	GetSession(ctx context.Context, token string) (*domain.Session, error)

	// GetAPITokenByHash returns the token whose SHA-256 hex digest equals hash,
	// including soft-deleted rows, or ErrNotFound.
	GetAPITokenByHash(ctx context.Context, hash string) (*domain.APIToken, error)

	// TouchAPIToken records a successful use of the token.
	TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error
}

// CredentialAdmin manages credentials outside the request path.
type CredentialAdmin interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	CreateAPIToken(ctx context.Context, token *domain.APIToken) error
	// RevokeAPIToken soft-deletes a token. Revoking twice returns ErrNotFound.
	RevokeAPIToken(ctx context.Context, id string, at time.Time) error
}

// QueryStore persists chat turns.
type QueryStore interface {
	CreateModelQuery(ctx context.Context, q *domain.ModelQuery) error

	// FinalizeModelQuery applies a terminal outcome. It reports false when
	// the query was already terminal, in which case nothing changes.
	FinalizeModelQuery(ctx context.Context, id string, outcome domain.QueryOutcome) (bool, error)

	GetModelQuery(ctx context.Context, id string) (*domain.ModelQuery, error)
}

// HumanTaskStore persists human approval records.
type HumanTaskStore interface {
	// CreateHumanTaskIfAbsent inserts task unless one already exists for its
	// ModelQueryID. It reports whether a row was created.
	CreateHumanTaskIfAbsent(ctx context.Context, task *domain.HumanTask) (bool, error)

	GetHumanTaskByQuery(ctx context.Context, modelQueryID string) (*domain.HumanTask, error)

	// ResolveHumanTask moves a PENDING task to RESOLVED. Tasks never move back.
	ResolveHumanTask(ctx context.Context, id string, at time.Time) error
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error)
}

// StorageProvider manages all storage operations.
// Implementations: SQLite (default), PostgreSQL, in-memory.
type StorageProvider interface {
	CredentialStore
	CredentialAdmin
	QueryStore
	HumanTaskStore
	NotificationStore

	Close() error
}
