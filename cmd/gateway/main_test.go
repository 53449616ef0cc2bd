package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/auth/credential"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/sqldb"
)

func writeTestConfig(t *testing.T) (configFile, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "apex.db")
	configFile = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("upstream:\n  base_url: http://ai.internal:8081\nstorage:\n  driver: sqlite\n  dsn: %s\n", dbPath)
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return configFile, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestMigrate(t *testing.T) {
	cfgFile, _ := writeTestConfig(t)

	out, err := execute(t, "migrate", "--config", cfgFile)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.HasPrefix(out, "Schema at version ") {
		t.Errorf("output = %q", out)
	}
}

func TestTokenCreateAndRevoke(t *testing.T) {
	cfgFile, dbPath := writeTestConfig(t)

	out, err := execute(t, "token", "create", "--config", cfgFile, "--user", "user-1", "--name", "ci")
	if err != nil {
		t.Fatalf("token create: %v", err)
	}

	id := regexp.MustCompile(`Token ID: (\S+)`).FindStringSubmatch(out)
	secret := regexp.MustCompile(`Secret:\s+(\S+)`).FindStringSubmatch(out)
	if id == nil || secret == nil {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.HasPrefix(secret[1], credential.TokenPrefix) {
		t.Errorf("secret %q lacks prefix", secret[1])
	}

	store, err := sqldb.New(context.Background(), sqldb.Config{Driver: "sqlite", DSN: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	stored, err := store.GetAPITokenByHash(context.Background(), credential.HashToken(secret[1]))
	store.Close()
	if err != nil {
		t.Fatalf("stored token not found by hash: %v", err)
	}
	if stored.ID != id[1] || stored.UserID != "user-1" || stored.Name != "ci" {
		t.Errorf("stored token = %+v", stored)
	}

	if _, err := execute(t, "token", "revoke", "--config", cfgFile, id[1]); err != nil {
		t.Fatalf("token revoke: %v", err)
	}
	if _, err := execute(t, "token", "revoke", "--config", cfgFile, id[1]); err == nil {
		t.Error("second revoke should fail")
	}
}

func TestMigrate_MemoryDriver(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	os.WriteFile(cfgFile, []byte("upstream:\n  base_url: http://ai.internal:8081\nstorage:\n  driver: memory\n"), 0o644)

	if _, err := execute(t, "migrate", "--config", cfgFile); err == nil {
		t.Error("expected error for memory driver")
	}
}
