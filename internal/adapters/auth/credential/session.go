package credential

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

// DefaultSessionCookie is the cookie carrying the session token.
const DefaultSessionCookie = "session_token"

// SessionStrategy resolves a server-side session from a cookie.
type SessionStrategy struct {
	store  ports.CredentialStore
	cookie string
	now    func() time.Time
	logger *slog.Logger
}

// SessionOption configures a SessionStrategy.
type SessionOption func(*SessionStrategy)

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionStrategy) { s.now = now }
}

// WithSessionLogger sets the logger for store failures.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *SessionStrategy) { s.logger = logger }
}

// NewSessionStrategy reads the session token from cookie. An empty cookie
// name selects DefaultSessionCookie.
func NewSessionStrategy(store ports.CredentialStore, cookie string, opts ...SessionOption) *SessionStrategy {
	if cookie == "" {
		cookie = DefaultSessionCookie
	}
	s := &SessionStrategy{
		store:  store,
		cookie: cookie,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStrategy) Name() string { return string(domain.SchemeSession) }

// Resolve looks the cookie token up in the credential store.
func (s *SessionStrategy) Resolve(ctx context.Context, r *http.Request) Result {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return Result{Outcome: NotPresent}
	}

	session, err := s.store.GetSession(ctx, c.Value)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			s.logger.WarnContext(ctx, "session lookup failed", slog.String("error", err.Error()))
		}
		return Result{Outcome: Invalid}
	}
	if !session.Valid(s.now()) {
		return Result{Outcome: Invalid}
	}

	return Result{
		Outcome: Resolved,
		Principal: &domain.Principal{
			UserID: session.UserID,
			Scheme: domain.SchemeSession,
		},
	}
}
