// Package runtime provides the core Gateway struct and lifecycle management
// for the chat streaming gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/auth/credential"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/events/direct"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/policy/admission"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/api/chat"
	apimw "github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/api/middleware"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/pkg/config"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/relay"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/memory"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/sqldb"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/upstream"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/usage"
)

// HealthPath answers liveness checks without authentication.
const HealthPath = "/healthz"

// Gateway is the main entry point for running the chat gateway.
// It owns configuration, storage, the upstream relay and the HTTP server.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options or built from config)
	config    ports.ConfigProvider
	storage   ports.StorageProvider
	events    ports.EventPublisher
	auth      ports.Authenticator
	admission ports.AdmissionPolicy
	upstream  ports.UpstreamClient
	logger    *slog.Logger
	level     *slog.LevelVar
	listener  net.Listener

	ownsStorage bool

	// Internal state
	relay   *relay.Relay
	bearer  *credential.BearerStrategy
	handler http.Handler
	server  *http.Server
	serveWG sync.WaitGroup

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options. Components that are not
// injected are built from configuration in Start.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}

	return gw, nil
}

// Start loads configuration, builds missing components and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.applyLogLevel(cfg)

	if err := g.init(g.ctx, cfg); err != nil {
		return err
	}

	if err := g.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.String("addr", g.listener.Addr().String()),
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.String("storage", cfg.Storage.Driver))

	return nil
}

func (g *Gateway) init(ctx context.Context, cfg *config.Config) error {
	if g.storage == nil {
		store, err := OpenStorage(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		g.storage = store
		g.ownsStorage = true
	}

	if g.events == nil {
		g.logger.Debug("no event publisher specified, using direct storage")
		publisher, err := direct.NewPublisher(g.storage)
		if err != nil {
			return fmt.Errorf("create default event publisher: %w", err)
		}
		g.events = publisher
	}

	if g.auth == nil {
		// Session cookies take precedence over bearer tokens.
		g.bearer = credential.NewBearerStrategy(g.storage, credential.WithBearerLogger(g.logger))
		g.auth = credential.NewResolver(g.logger,
			credential.NewSessionStrategy(g.storage, cfg.Auth.SessionCookie, credential.WithSessionLogger(g.logger)),
			g.bearer)
	}

	if g.admission == nil {
		g.admission = admission.NewPolicy(cfg.Gateway.MaxConcurrentStreams)
	}

	if g.upstream == nil {
		g.upstream = upstream.NewClient(cfg.Upstream.BaseURL,
			upstream.WithStreamPath(cfg.Upstream.StreamPath),
			upstream.WithAPIKey(cfg.Upstream.APIKey),
			upstream.WithTransportConfig(upstream.TransportConfig{
				ConnectTimeout: cfg.Upstream.ConnectTimeout,
				HeaderTimeout:  cfg.Upstream.HeaderTimeout,
			}),
			upstream.WithLogger(g.logger))
	}

	pricer, err := usage.NewPricer(cfg.Usage.PricePer1KTokens)
	if err != nil {
		return fmt.Errorf("usage.price_per_1k_tokens: %w", err)
	}
	accountant := usage.NewAccountant(usage.NewCounter(cfg.Usage.TokenizerEncoding), pricer)

	g.relay = relay.New(g.upstream, g.storage,
		relay.WithPublisher(g.events),
		relay.WithAccountant(accountant),
		relay.WithLogger(g.logger),
		relay.WithIdleTimeout(cfg.Upstream.IdleTimeout),
		relay.WithPersistTimeout(cfg.Gateway.PersistTimeout),
		relay.WithMaxLineBytes(cfg.Gateway.MaxLineBytes))

	g.handler = g.routes(cfg)
	return nil
}

// OpenStorage opens the store named by cfg.Driver.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (ports.StorageProvider, error) {
	if strings.EqualFold(cfg.Driver, "memory") {
		return memory.New(), nil
	}
	store, err := sqldb.New(ctx, sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (g *Gateway) routes(cfg *config.Config) http.Handler {
	chatHandler := chat.NewHandler(g.relay,
		chat.WithAdmission(g.admission),
		chat.WithLimits(cfg.Gateway.MaxBodyBytes, cfg.Gateway.MaxAttachmentBytes),
		chat.WithLogger(g.logger))

	r := chi.NewRouter()

	r.Use(apimw.RequestIDMiddleware)
	r.Use(apimw.LoggingMiddleware(g.logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "apex-gateway")
	})

	r.Get(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.With(apimw.AuthMiddleware(g.auth)).Post(chat.StreamPath, chatHandler.HandleStream)

	g.logger.Info("registered handler",
		slog.String("method", http.MethodPost),
		slog.String("path", chat.StreamPath))

	return r
}

// startServer starts the HTTP server.
func (g *Gateway) startServer(cfg *config.Config) error {
	if g.listener == nil {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return err
		}
		g.listener = l
	}

	g.server = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// Streams stay open as long as the generation service keeps talking.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.serveWG.Add(1)
	go func() {
		defer g.serveWG.Done()
		if err := g.server.Serve(g.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Handler returns the gateway's HTTP handler. It is nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler
}

// Addr returns the address the server listens on, or "" before Start.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Shutdown stops accepting requests, waits for in-flight streams to finish
// within ctx and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var shutdownErr error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			shutdownErr = err
		}
		g.serveWG.Wait()
	}

	if g.bearer != nil {
		g.bearer.Wait()
	}

	if g.events != nil {
		if err := g.events.Close(); err != nil {
			g.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if g.storage != nil && g.ownsStorage {
		if err := g.storage.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return shutdownErr
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		g.reload(newCfg)
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the settings that can change without a restart. Listener,
// storage and upstream settings are read once at Start.
func (g *Gateway) reload(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.applyLogLevel(cfg)
	if g.relay != nil {
		g.relay.SetIdleTimeout(cfg.Upstream.IdleTimeout)
	}

	g.logger.Info("reload complete",
		slog.String("log_level", cfg.Log.Level),
		slog.Duration("idle_timeout", cfg.Upstream.IdleTimeout))
}

func (g *Gateway) applyLogLevel(cfg *config.Config) {
	if g.level == nil {
		return
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		g.logger.Warn("ignoring log level", slog.String("error", err.Error()))
		return
	}
	g.level.Set(level)
}
