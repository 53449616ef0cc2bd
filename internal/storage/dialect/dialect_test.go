package dialect

import (
	"testing"
)

func mustDialect(t *testing.T, driver string) Dialect {
	t.Helper()
	d, err := FromDriverName(driver)
	if err != nil {
		t.Fatalf("FromDriverName(%q) error = %v", driver, err)
	}
	return d
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantDriver string
		wantErr    bool
	}{
		{"sqlite", "sqlite", "sqlite", false},
		{"sqlite3", "sqlite", "sqlite", false},
		{"postgres", "postgres", "pgx", false},
		{"PostgreSQL", "postgres", "pgx", false},
		{"pgx", "postgres", "pgx", false},
		{"memory", "", "", true},
		{"mysql", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if d.Name() != tt.wantName || d.DriverName() != tt.wantDriver {
				t.Errorf("got %s/%s, want %s/%s", d.Name(), d.DriverName(), tt.wantName, tt.wantDriver)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		query  string
		want   string
	}{
		{"sqlite", "SELECT * FROM api_tokens WHERE token_hash = ? AND deleted_at IS NULL", "SELECT * FROM api_tokens WHERE token_hash = ? AND deleted_at IS NULL"},
		{"postgres", "SELECT * FROM sessions WHERE token = ?", "SELECT * FROM sessions WHERE token = $1"},
		{"postgres", "UPDATE model_queries SET status = ? WHERE id = ? AND status = ?", "UPDATE model_queries SET status = $1 WHERE id = $2 AND status = $3"},
		{"postgres", "SELECT * FROM notifications", "SELECT * FROM notifications"},
	}

	for _, tt := range tests {
		t.Run(tt.driver+"/"+tt.query, func(t *testing.T) {
			if got := mustDialect(t, tt.driver).Rebind(tt.query); got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpsertClause(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		column  string
		updates []string
		want    string
	}{
		{"sqlite ignore", "sqlite", "model_query_id", nil, "ON CONFLICT(model_query_id) DO NOTHING"},
		{"sqlite ignore any", "sqlite", "", nil, "ON CONFLICT DO NOTHING"},
		{"sqlite update", "sqlite", "model_query_id", []string{"reason", "message"}, "ON CONFLICT(model_query_id) DO UPDATE SET reason = excluded.reason, message = excluded.message"},
		{"postgres ignore", "postgres", "model_query_id", nil, "ON CONFLICT (model_query_id) DO NOTHING"},
		{"postgres ignore any", "postgres", "", nil, "ON CONFLICT DO NOTHING"},
		{"postgres update", "postgres", "model_query_id", []string{"reason"}, "ON CONFLICT (model_query_id) DO UPDATE SET reason = EXCLUDED.reason"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustDialect(t, tt.driver).UpsertClause(tt.column, tt.updates); got != tt.want {
				t.Errorf("UpsertClause() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPragmaStatements(t *testing.T) {
	if n := len(mustDialect(t, "sqlite").PragmaStatements()); n == 0 {
		t.Error("expected sqlite pragmas")
	}
	if p := mustDialect(t, "postgres").PragmaStatements(); p != nil {
		t.Errorf("PragmaStatements() = %v, want nil", p)
	}
}
