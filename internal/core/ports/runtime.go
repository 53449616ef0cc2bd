// Package ports defines the core interfaces for the gateway.
package ports

import (
	"context"
	"io"
	"net/http"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Authenticator resolves the principal of an inbound request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*domain.Principal, error)
}

// EventPublisher delivers user notifications.
// Implementations: direct storage (default).
type EventPublisher interface {
	Publish(ctx context.Context, n *domain.Notification) error
	Close() error
}

// AdmissionPolicy bounds how many streams run at once.
type AdmissionPolicy interface {
	// Admit reserves a stream slot without waiting. The returned release
	// func must be called exactly once when admitted.
	Admit(ctx context.Context) (release func(), err error)
}

// UpstreamClient opens the generation service stream for one chat turn.
type UpstreamClient interface {
	// OpenStream returns the NDJSON body once the service answered with a
	// success status. The caller must close it.
	OpenStream(ctx context.Context, req *domain.ChatRequest) (io.ReadCloser, error)
}
