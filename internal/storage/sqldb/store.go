package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/dialect"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is a SQL implementation of ports.StorageProvider that supports
// SQLite and PostgreSQL.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	pool    *pgxpool.Pool
}

var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string

	// SkipMigrations leaves the schema untouched on open.
	SkipMigrations bool
}

// New opens the database and applies pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	store := &Store{dialect: d}

	switch d.Name() {
	case string(dialect.Postgres):
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse database config: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		store.pool = pool
		store.db = sqlx.NewDb(stdlib.OpenDBFromPool(pool), d.DriverName())
	default:
		db, err := sqlx.Open(d.DriverName(), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite allows a single writer; keep one connection.
		db.SetMaxOpenConns(1)
		store.db = db
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := store.db.ExecContext(ctx, stmt); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	if !cfg.SkipMigrations {
		if _, err := store.Migrate(); err != nil {
			store.Close()
			return nil, err
		}
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dsn string) (*Store, error) {
	return New(context.Background(), Config{Driver: "sqlite", DSN: dsn})
}

// Migrate applies every pending embedded migration and returns the schema
// version afterwards.
func (s *Store) Migrate() (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+s.dialect.Name())
	if err != nil {
		return 0, fmt.Errorf("create migration source: %w", err)
	}

	// Closing a migrate instance closes its database handle. Postgres gets a
	// throwaway handle over the shared pool; SQLite must reuse s.db because an
	// in-memory database lives only as long as its connection.
	handle, owned := s.db.DB, false
	if s.pool != nil {
		handle, owned = stdlib.OpenDBFromPool(s.pool), true
	}

	driver, err := s.dialect.MigrationDriver(handle)
	if err != nil {
		if owned {
			handle.Close()
		}
		return 0, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.Name(), driver)
	if err != nil {
		return 0, fmt.Errorf("create migrate instance: %w", err)
	}
	if owned {
		defer m.Close()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	slog.Debug("migrations applied",
		slog.String("dialect", s.dialect.Name()),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty))
	return version, nil
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close releases the database handle.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	return err
}

// Sessions and API tokens

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (token, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`),
		session.Token, session.UserID, session.ExpiresAt.UTC(), session.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.GetContext(ctx, &session, s.q(`
		SELECT token, user_id, expires_at, created_at
		FROM sessions WHERE token = ?`), token)
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (s *Store) CreateAPIToken(ctx context.Context, token *domain.APIToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO api_tokens (id, user_id, name, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		token.ID, token.UserID, token.Name, token.TokenHash, utcPtr(token.ExpiresAt), token.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create api token: %w", err)
	}
	return nil
}

func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*domain.APIToken, error) {
	var token domain.APIToken
	err := s.db.GetContext(ctx, &token, s.q(`
		SELECT id, user_id, name, token_hash, expires_at, last_used_at, created_at, deleted_at
		FROM api_tokens WHERE token_hash = ?`), hash)
	if err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

func (s *Store) TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`), usedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	return requireRow(res)
}

func (s *Store) RevokeAPIToken(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE api_tokens SET deleted_at = ?
		WHERE id = ? AND deleted_at IS NULL`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke api token: %w", err)
	}
	return requireRow(res)
}

// Model queries

// queryRow mirrors model_queries with nullable columns the domain type
// models as plain values.
type queryRow struct {
	domain.ModelQuery
	MetricsText sql.NullString `db:"metrics"`
}

func (s *Store) CreateModelQuery(ctx context.Context, q *domain.ModelQuery) error {
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = q.CreatedAt
	if q.Status == "" {
		q.Status = domain.QueryStatusStreaming
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO model_queries (
			id, user_id, agent_id, conversation_id, message, response, method, model,
			status, metrics, total_tokens, tokens_estimated, cost, error_code, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		q.ID, q.UserID, q.AgentID, q.ConversationID, q.Message, q.Response, q.Method, q.Model,
		string(q.Status), nullJSON(q.Metrics), q.TotalTokens, q.TokensEstimated, q.Cost, q.ErrorCode, q.ErrorMessage,
		q.CreatedAt.UTC(), q.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create model query: %w", err)
	}
	return nil
}

func (s *Store) FinalizeModelQuery(ctx context.Context, id string, outcome domain.QueryOutcome) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE model_queries SET
			status = ?, response = ?, method = ?, model = ?, metrics = ?,
			total_tokens = ?, tokens_estimated = ?, cost = ?,
			error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		string(outcome.Status), outcome.Response, outcome.Method, outcome.Model, nullJSON(outcome.Metrics),
		outcome.TotalTokens, outcome.TokensEstimated, outcome.Cost,
		outcome.ErrorCode, outcome.ErrorMessage, now, now,
		id, string(domain.QueryStatusStreaming))
	if err != nil {
		return false, fmt.Errorf("finalize model query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize model query: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish an already-terminal row from a missing one.
	if _, err := s.GetModelQuery(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) GetModelQuery(ctx context.Context, id string) (*domain.ModelQuery, error) {
	var row queryRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, user_id, agent_id, conversation_id, message, response, method, model,
			status, metrics, total_tokens, tokens_estimated, cost, error_code, error_message,
			created_at, updated_at, completed_at
		FROM model_queries WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}

	q := row.ModelQuery
	if row.MetricsText.Valid && row.MetricsText.String != "" {
		q.Metrics = []byte(row.MetricsText.String)
	}
	return &q, nil
}

// Human tasks

func (s *Store) CreateHumanTaskIfAbsent(ctx context.Context, task *domain.HumanTask) (bool, error) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = domain.HumanTaskPending

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO human_tasks (id, model_query_id, reason, message, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?) `+s.dialect.UpsertClause("", nil)),
		task.ID, task.ModelQueryID, task.Reason, task.Message, string(task.Status), task.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("create human task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create human task: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetHumanTaskByQuery(ctx context.Context, modelQueryID string) (*domain.HumanTask, error) {
	var task domain.HumanTask
	err := s.db.GetContext(ctx, &task, s.q(`
		SELECT id, model_query_id, reason, message, status, created_at, resolved_at
		FROM human_tasks WHERE model_query_id = ?`), modelQueryID)
	if err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (s *Store) ResolveHumanTask(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE human_tasks SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?`),
		string(domain.HumanTaskResolved), at.UTC(), id, string(domain.HumanTaskPending))
	if err != nil {
		return fmt.Errorf("resolve human task: %w", err)
	}
	return requireRow(res)
}

// Notifications

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO notifications (id, user_id, kind, title, body, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.UserID, string(n.Kind), n.Title, n.Body, n.RefID, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error) {
	var out []*domain.Notification
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT id, user_id, kind, title, body, ref_id, created_at, read_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
