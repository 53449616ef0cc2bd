// Package credential resolves the caller of a chat request from a session
// cookie or a bearer API token.
package credential

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

// Outcome is what a single strategy concluded about a request.
type Outcome int

const (
	// NotPresent means the request carries no credential for this strategy.
	NotPresent Outcome = iota
	// Resolved means the credential is valid and Principal is set.
	Resolved
	// Invalid means a credential was supplied but rejected.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case NotPresent:
		return "not_present"
	case Resolved:
		return "resolved"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Result is a strategy verdict.
type Result struct {
	Outcome   Outcome
	Principal *domain.Principal
}

// Strategy is one credential scheme.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, r *http.Request) Result
}

// Resolver tries strategies in order and stops at the first Resolved.
type Resolver struct {
	strategies []Strategy
	logger     *slog.Logger
}

var _ ports.Authenticator = (*Resolver)(nil)

// NewResolver creates a resolver over strategies, highest precedence first.
func NewResolver(logger *slog.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{strategies: strategies, logger: logger}
}

// Authenticate returns the principal of r. Every failure yields the same
// authentication error so callers cannot tell which scheme was attempted.
func (res *Resolver) Authenticate(ctx context.Context, r *http.Request) (*domain.Principal, error) {
	for _, s := range res.strategies {
		result := s.Resolve(ctx, r)
		if result.Outcome == Resolved && result.Principal != nil {
			return result.Principal, nil
		}
		if result.Outcome == Invalid {
			res.logger.DebugContext(ctx, "credential rejected", slog.String("strategy", s.Name()))
		}
	}
	return nil, domain.ErrAuthenticationRequired()
}
