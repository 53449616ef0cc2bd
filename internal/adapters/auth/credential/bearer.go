package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

const (
	// TokenPrefix marks generated API tokens.
	TokenPrefix = "apx_"

	touchTimeout = 5 * time.Second
)

// BearerStrategy resolves an API token from the Authorization header.
type BearerStrategy struct {
	store  ports.CredentialStore
	now    func() time.Time
	logger *slog.Logger

	touches sync.WaitGroup
}

// BearerOption configures a BearerStrategy.
type BearerOption func(*BearerStrategy)

// WithBearerClock overrides the time source.
func WithBearerClock(now func() time.Time) BearerOption {
	return func(b *BearerStrategy) { b.now = now }
}

// WithBearerLogger sets the logger for store failures.
func WithBearerLogger(logger *slog.Logger) BearerOption {
	return func(b *BearerStrategy) { b.logger = logger }
}

// NewBearerStrategy creates a bearer token strategy.
func NewBearerStrategy(store ports.CredentialStore, opts ...BearerOption) *BearerStrategy {
	b := &BearerStrategy{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BearerStrategy) Name() string { return string(domain.SchemeBearer) }

// Resolve validates the bearer token by its hash. A successful use is
// recorded in the background.
func (b *BearerStrategy) Resolve(ctx context.Context, r *http.Request) Result {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Result{Outcome: NotPresent}
	}

	token, ok := parseBearer(header)
	if !ok {
		return Result{Outcome: Invalid}
	}

	hash := HashToken(token)
	stored, err := b.store.GetAPITokenByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			b.logger.WarnContext(ctx, "api token lookup failed", slog.String("error", err.Error()))
		}
		return Result{Outcome: Invalid}
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(stored.TokenHash)) != 1 {
		return Result{Outcome: Invalid}
	}

	now := b.now()
	if !stored.Valid(now) {
		return Result{Outcome: Invalid}
	}

	b.touch(ctx, stored.ID, now)

	return Result{
		Outcome: Resolved,
		Principal: &domain.Principal{
			UserID:       stored.UserID,
			Scheme:       domain.SchemeBearer,
			CredentialID: stored.ID,
		},
	}
}

// Wait blocks until pending last-used updates have finished.
func (b *BearerStrategy) Wait() {
	b.touches.Wait()
}

func (b *BearerStrategy) touch(ctx context.Context, id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	b.touches.Add(1)
	go func() {
		defer b.touches.Done()
		defer cancel()
		if err := b.store.TouchAPIToken(ctx, id, at); err != nil {
			b.logger.WarnContext(ctx, "failed to record api token use",
				slog.String("token_id", id),
				slog.String("error", err.Error()))
		}
	}()
}

// parseBearer extracts the token from "Bearer <token>". The scheme is
// matched case-insensitively.
func parseBearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// HashToken returns the SHA-256 hex digest stored for a token.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GenerateToken returns a new random API token secret.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}
