package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyFileOverlaysPresentKeys(t *testing.T) {
	t.Setenv("OVERLAY_BUCKET", "backups-prod")
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	doc := []byte("storage_driver: s3\ns3_bucket: ${OVERLAY_BUCKET}\nbulk_concurrency: 3\ndump_timeout: 90m\n")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadOrchestratorConfig()
	addr := cfg.Addr
	if err := ApplyFile(path, &cfg); err != nil {
		t.Fatalf("ApplyFile returned error: %v", err)
	}
	if cfg.StorageDriver != "s3" || cfg.S3Bucket != "backups-prod" {
		t.Fatalf("expected s3 overlay, got driver=%q bucket=%q", cfg.StorageDriver, cfg.S3Bucket)
	}
	if cfg.BulkConcurrency != 3 {
		t.Fatalf("expected bulk concurrency 3, got %d", cfg.BulkConcurrency)
	}
	if cfg.DumpTimeout != 90*time.Minute {
		t.Fatalf("expected dump timeout 90m, got %s", cfg.DumpTimeout)
	}
	if cfg.Addr != addr {
		t.Fatalf("expected addr to be preserved, got %q", cfg.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsS3WithoutBucket(t *testing.T) {
	cfg := LoadOrchestratorConfig()
	cfg.StorageDriver = "s3"
	cfg.S3Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing bucket")
	}
}

func TestGetListSplitsAndTrims(t *testing.T) {
	t.Setenv("TEST_LIST", " 10.0.0.1, ,localhost ,")
	got := GetList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "10.0.0.1" || got[1] != "localhost" {
		t.Fatalf("unexpected list %v", got)
	}
	if fallback := GetList("TEST_LIST_UNSET", []string{"x"}); len(fallback) != 1 {
		t.Fatalf("expected fallback, got %v", fallback)
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := OrchestratorConfig{LogLevel: "DEBUG"}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
	cfg.LogLevel = ""
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Fatalf("expected info level by default")
	}
}
