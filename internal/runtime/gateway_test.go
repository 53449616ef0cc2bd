package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/auth/credential"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/relay"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/memory"
)

const testToken = "apx_gateway_test"

const completedStream = `{"router_decision":{"needs_rag":true,"model":"fast"}}
{"text":"Hello "}
{"text":"there"}
{"is_final":true,"metrics":{"total_tokens":12}}
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, completedStream)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, path, upstreamURL, extra string) {
	t.Helper()
	content := fmt.Sprintf(`
server:
  port: 0
upstream:
  base_url: %s
storage:
  driver: memory
%s`, upstreamURL, extra)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func startGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := gw.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		defer cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return gw
}

func seedToken(t *testing.T, store *memory.Store) {
	t.Helper()
	err := store.CreateAPIToken(context.Background(), &domain.APIToken{
		ID:        "tok-1",
		UserID:    "user-1",
		TokenHash: credential.HashToken(testToken),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAPIToken: %v", err)
	}
}

func postChat(t *testing.T, addr, token string) *http.Response {
	t.Helper()
	body := `{"agent_id":"0b6c1c36-4f55-4b8a-9a8e-1d1f7c0a2b3c","message":"hi"}`
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/api/chat/stream", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGateway_New_RequiredOptions(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("Expected error without config provider")
	}
	if err.Error() != "config provider required (use WithFileConfig or WithConfigProvider)" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestGateway_New_EmptyConfigPath(t *testing.T) {
	if _, err := New(WithFileConfig("")); err == nil {
		t.Fatal("Expected error for empty config path")
	}
}

func TestGateway_Start_InvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("upstream:\n  base_url: not-a-url\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	gw, err := New(WithFileConfig(configPath), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Start(context.Background()); err == nil {
		t.Fatal("Expected Start to fail on invalid config")
	}
}

func TestGateway_ServesChatStream(t *testing.T) {
	up := newUpstream(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, up.URL, "")

	store := memory.New()
	seedToken(t, store)
	gw := startGateway(t, WithFileConfig(configPath), WithStorageProvider(store))

	resp := postChat(t, gw.Addr(), testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != completedStream {
		t.Errorf("body = %q, want upstream bytes", body)
	}

	id := resp.Header.Get(relay.QueryIDHeader)
	q, err := store.GetModelQuery(context.Background(), id)
	if err != nil {
		t.Fatalf("GetModelQuery(%q): %v", id, err)
	}
	if q.Status != domain.QueryStatusCompleted || q.Response != "Hello there" {
		t.Errorf("query = %+v", q)
	}
	if q.UserID != "user-1" || q.Method != "rag" || q.TotalTokens != 12 {
		t.Errorf("query attribution = %+v", q)
	}
}

func TestGateway_RejectsUnauthenticated(t *testing.T) {
	up := newUpstream(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, up.URL, "")

	gw := startGateway(t, WithFileConfig(configPath), WithMemoryStorage())

	resp := postChat(t, gw.Addr(), "apx_unknown")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGateway_Healthz(t *testing.T) {
	up := newUpstream(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, up.URL, "")

	gw := startGateway(t, WithFileConfig(configPath))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestGateway_SQLiteFromConfig(t *testing.T) {
	up := newUpstream(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	dbPath := filepath.Join(tmpDir, "apex.db")
	content := fmt.Sprintf(`
server:
  port: 0
upstream:
  base_url: %s
storage:
  driver: sqlite
  dsn: %s
`, up.URL, dbPath)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	gw := startGateway(t, WithFileConfig(configPath))

	err := gw.storage.CreateAPIToken(context.Background(), &domain.APIToken{
		ID:        "tok-1",
		UserID:    "user-1",
		TokenHash: credential.HashToken(testToken),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAPIToken: %v", err)
	}

	resp := postChat(t, gw.Addr(), testToken)
	io.Copy(io.Discard, resp.Body)

	q, err := gw.storage.GetModelQuery(context.Background(), resp.Header.Get(relay.QueryIDHeader))
	if err != nil {
		t.Fatalf("GetModelQuery: %v", err)
	}
	if q.Status != domain.QueryStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", q.Status)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestGateway_HotReload(t *testing.T) {
	up := newUpstream(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, up.URL, "")

	level := new(slog.LevelVar)
	gw := startGateway(t, WithFileConfig(configPath), WithLevelVar(level))

	if got := gw.relay.IdleTimeout(); got != 60*time.Second {
		t.Fatalf("initial idle timeout = %v", got)
	}
	if level.Level() != slog.LevelInfo {
		t.Fatalf("initial level = %v", level.Level())
	}

	content := fmt.Sprintf(`
server:
  port: 0
upstream:
  base_url: %s
  idle_timeout: 5s
storage:
  driver: memory
log:
  level: debug
`, up.URL)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gw.relay.IdleTimeout() == 5*time.Second && level.Level() == slog.LevelDebug {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("reload not applied: idle = %v, level = %v", gw.relay.IdleTimeout(), level.Level())
}
