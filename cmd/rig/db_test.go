package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lolwierd/rig/internal/config"
	"github.com/lolwierd/rig/internal/models"
)

// writeTestConfig writes a minimal sqlite-backed config and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rig.yaml")
	yaml := fmt.Sprintf("db:\n  driver: sqlite\n  path: %s\n", filepath.Join(dir, "rig.db"))
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestOpenDB_SQLiteMigrates(t *testing.T) {
	cfg := config.Default()
	cfg.DB.Path = filepath.Join(t.TempDir(), "rig.db")

	gormDB, err := openDB(cfg)
	if err != nil {
		t.Fatalf("openDB failed: %v", err)
	}

	if !gormDB.Migrator().HasTable(&models.ConversationRecord{}) {
		t.Error("expected conversation_records table after openDB")
	}
	if !gormDB.Migrator().HasTable(&models.TurnLog{}) {
		t.Error("expected turn_logs table after openDB")
	}
}

func TestDBMigrateCmd(t *testing.T) {
	configPath := writeTestConfig(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"db", "migrate", "-c", configPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db migrate failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Migrated 2 tables") {
		t.Errorf("expected migration summary, got: %s", out)
	}
}

func TestDBMigrateCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"db", "migrate", "-c", filepath.Join(t.TempDir(), "nope.yaml")})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
