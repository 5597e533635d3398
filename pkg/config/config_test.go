package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.MultiShard.Policy != "complete" {
		t.Errorf("MultiShard.Policy = %q, want %q", cfg.MultiShard.Policy, "complete")
	}
	if cfg.MultiShard.PerShardTimeout != 30*time.Second {
		t.Errorf("MultiShard.PerShardTimeout = %v, want 30s", cfg.MultiShard.PerShardTimeout)
	}
	if cfg.MultiShard.OverallTimeout != 300*time.Second {
		t.Errorf("MultiShard.OverallTimeout = %v, want 300s", cfg.MultiShard.OverallTimeout)
	}
	if cfg.MultiShard.CatalogBackend != "etcd" {
		t.Errorf("MultiShard.CatalogBackend = %q, want %q", cfg.MultiShard.CatalogBackend, "etcd")
	}
	if cfg.MultiShard.RefreshSchedule != "@every 30s" {
		t.Errorf("MultiShard.RefreshSchedule = %q, want %q", cfg.MultiShard.RefreshSchedule, "@every 30s")
	}
}

func TestLoadConfigParsesDurationStrings(t *testing.T) {
	raw := map[string]any{
		"multishard": map[string]any{
			"per_shard_timeout": "5s",
			"overall_timeout":   "1m",
			"catalog_backend":   "kubernetes",
			"catalog_namespace": "shards",
		},
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("failed to marshal test config: %v", err)
	}
	path := writeConfigFile(t, string(data))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.MultiShard.PerShardTimeout != 5*time.Second {
		t.Errorf("MultiShard.PerShardTimeout = %v, want 5s", cfg.MultiShard.PerShardTimeout)
	}
	if cfg.MultiShard.OverallTimeout != time.Minute {
		t.Errorf("MultiShard.OverallTimeout = %v, want 1m", cfg.MultiShard.OverallTimeout)
	}
	if cfg.MultiShard.CatalogBackend != "kubernetes" {
		t.Errorf("MultiShard.CatalogBackend = %q, want %q", cfg.MultiShard.CatalogBackend, "kubernetes")
	}
	if cfg.MultiShard.CatalogNamespace != "shards" {
		t.Errorf("MultiShard.CatalogNamespace = %q, want %q", cfg.MultiShard.CatalogNamespace, "shards")
	}
}

func TestLoadConfigRejectsInvalidDuration(t *testing.T) {
	path := writeConfigFile(t, `{"multishard":{"per_shard_timeout":"not-a-duration"}}`)

	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for an invalid duration string")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
