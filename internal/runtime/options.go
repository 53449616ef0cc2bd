package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/config/file"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/events/direct"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/memory"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/sqldb"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithSQLite opens a SQLite database and applies migrations.
func WithSQLite(dsn string) Option {
	return withSQL("sqlite", dsn)
}

// WithPostgres opens a PostgreSQL database through pgx and applies
// migrations.
func WithPostgres(dsn string) Option {
	return withSQL("postgres", dsn)
}

func withSQL(driver, dsn string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.New(context.Background(), sqldb.Config{Driver: driver, DSN: dsn})
		if err != nil {
			return fmt.Errorf("create %s storage: %w", driver, err)
		}
		g.storage = store
		g.ownsStorage = true
		return nil
	}
}

// WithMemoryStorage keeps everything in process memory. Nothing survives a
// restart.
func WithMemoryStorage() Option {
	return func(g *Gateway) error {
		g.storage = memory.New()
		g.ownsStorage = true
		return nil
	}
}

// WithStorageProvider sets a custom storage provider. The caller keeps
// ownership and closes it.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(g *Gateway) error {
		g.storage = provider
		return nil
	}
}

// WithDirectEvents writes notifications directly to storage (default).
func WithDirectEvents() Option {
	return func(g *Gateway) error {
		if g.storage == nil {
			return fmt.Errorf("storage provider must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(g.storage)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		g.events = publisher
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(g *Gateway) error {
		g.events = publisher
		return nil
	}
}

// WithAuthenticator replaces the session and bearer token resolver.
func WithAuthenticator(auth ports.Authenticator) Option {
	return func(g *Gateway) error {
		g.auth = auth
		return nil
	}
}

// WithAdmissionPolicy replaces the concurrent stream limit from config.
func WithAdmissionPolicy(policy ports.AdmissionPolicy) Option {
	return func(g *Gateway) error {
		g.admission = policy
		return nil
	}
}

// WithUpstreamClient replaces the HTTP client for the generation service.
func WithUpstreamClient(client ports.UpstreamClient) Option {
	return func(g *Gateway) error {
		g.upstream = client
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithLevelVar lets config loads and reloads change the level of the
// logger's handler.
func WithLevelVar(level *slog.LevelVar) Option {
	return func(g *Gateway) error {
		g.level = level
		return nil
	}
}

// WithListener serves on l instead of listening on server.port.
func WithListener(l net.Listener) Option {
	return func(g *Gateway) error {
		g.listener = l
		return nil
	}
}
