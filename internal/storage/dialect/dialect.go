// Package dialect hides the SQL differences between SQLite and PostgreSQL.
package dialect

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns "sqlite" or "postgres". It also names the embedded
	// migrations directory.
	Name() string

	// DriverName returns the database/sql driver to open.
	DriverName() string

	// Rebind rewrites ? placeholders into the dialect's form.
	Rebind(query string) string

	// UpsertClause returns an ON CONFLICT clause. With no update columns the
	// conflicting row is left alone; an empty conflict column then matches
	// any unique constraint.
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements run once after the database is opened.
	PragmaStatements() []string

	// MigrationDriver wraps an open handle for golang-migrate.
	MigrationDriver(db *sql.DB) (database.Driver, error)
}

// DialectType names a supported database.
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

var (
	sqliteDialect = &dialect{
		name:       SQLite,
		driver:     "sqlite",
		numbered:   false,
		excluded:   "excluded",
		conflictAt: "ON CONFLICT(%s)",
		pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
		},
		migrations: func(db *sql.DB) (database.Driver, error) {
			return sqlite.WithInstance(db, &sqlite.Config{})
		},
	}

	postgresDialect = &dialect{
		name:       Postgres,
		driver:     "pgx",
		numbered:   true,
		excluded:   "EXCLUDED",
		conflictAt: "ON CONFLICT (%s)",
		migrations: func(db *sql.DB) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{})
		},
	}
)

// FromDriverName returns the dialect for a configured storage driver.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type dialect struct {
	name       DialectType
	driver     string
	numbered   bool // $1, $2 instead of ?
	excluded   string
	conflictAt string
	pragmas    []string
	migrations func(*sql.DB) (database.Driver, error)
}

func (d *dialect) Name() string       { return string(d.name) }
func (d *dialect) DriverName() string { return d.driver }

func (d *dialect) Rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (d *dialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		if conflictColumn == "" {
			return "ON CONFLICT DO NOTHING"
		}
		return fmt.Sprintf(d.conflictAt, conflictColumn) + " DO NOTHING"
	}
	clause := fmt.Sprintf(d.conflictAt, conflictColumn)
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = col + " = " + d.excluded + "." + col
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func (d *dialect) PragmaStatements() []string { return d.pragmas }

func (d *dialect) MigrationDriver(db *sql.DB) (database.Driver, error) {
	return d.migrations(db)
}
