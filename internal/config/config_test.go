package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ListenAddr() != "127.0.0.1:37778" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Setenv("KARMAGRAPH_DB", "")
	path := writeConfig(t, `
server:
  port: 9000
vector:
  dimensions: 2048
calibrator:
  lambda_base: 0.2
maintenance:
  interval: 15m
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Vector.Dimensions != 2048 || cfg.Vector.Seed != 42 {
		t.Errorf("vector = %+v", cfg.Vector)
	}
	if cfg.Calibrator.LambdaBase != 0.2 || cfg.Calibrator.PruneThreshold != 0.05 {
		t.Errorf("calibrator = %+v", cfg.Calibrator)
	}
	if cfg.Maintenance.Interval != 15*time.Minute {
		t.Errorf("interval = %s", cfg.Maintenance.Interval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KARMAGRAPH_DB", "/tmp/override.db")
	cfg, err := Load(writeConfig(t, "database:\n  path: /tmp/file.db\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("path = %q", cfg.Database.Path)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit file")
	}
	if _, err := Load(writeConfig(t, "server: [1, 2")); err == nil {
		t.Error("expected parse error")
	}
	_, err := Load(writeConfig(t, "llm:\n  provider: gpt\nlog:\n  level: loud\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"llm.provider", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "node_id", 7)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"node_id":7`) {
		t.Errorf("json output = %q", out)
	}
}
