package config

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfigFileAt(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to rewrite config file: %v", err)
	}
}

func TestHotReloaderForceReloadInvokesCallback(t *testing.T) {
	path := writeConfigFile(t, `{"multishard":{"policy":"complete"}}`)

	hr, err := NewHotReloader(zap.NewNop(), HotReloaderConfig{ConfigPath: path, CheckInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewHotReloader() error = %v", err)
	}

	var gotOld, gotNew *Config
	hr.OnReload(func(old, new *Config) error {
		gotOld, gotNew = old, new
		return nil
	})

	writeConfigFileAt(t, path, `{"multishard":{"policy":"partial"}}`)

	if err := hr.ForceReload(); err != nil {
		t.Fatalf("ForceReload() error = %v", err)
	}

	if gotOld == nil || gotOld.MultiShard.Policy != "complete" {
		t.Errorf("callback old config policy = %+v, want complete", gotOld)
	}
	if gotNew == nil || gotNew.MultiShard.Policy != "partial" {
		t.Errorf("callback new config policy = %+v, want partial", gotNew)
	}
	if hr.GetConfig().MultiShard.Policy != "partial" {
		t.Errorf("GetConfig().MultiShard.Policy = %q, want partial", hr.GetConfig().MultiShard.Policy)
	}
}

func TestHotReloaderForceReloadNoopWhenUnchanged(t *testing.T) {
	path := writeConfigFile(t, `{"multishard":{"policy":"complete"}}`)

	hr, err := NewHotReloader(zap.NewNop(), HotReloaderConfig{ConfigPath: path, CheckInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewHotReloader() error = %v", err)
	}

	calls := 0
	hr.OnReload(func(old, new *Config) error {
		calls++
		return nil
	})

	if err := hr.ForceReload(); err != nil {
		t.Fatalf("ForceReload() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no callback invocation for an unchanged file, got %d", calls)
	}
}

func TestHotReloaderRejectsInvalidReload(t *testing.T) {
	path := writeConfigFile(t, `{"multishard":{"policy":"complete"}}`)

	hr, err := NewHotReloader(zap.NewNop(), HotReloaderConfig{ConfigPath: path, CheckInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewHotReloader() error = %v", err)
	}

	writeConfigFileAt(t, path, `{"multishard":{"policy":"bogus"}}`)

	if err := hr.ForceReload(); err == nil {
		t.Error("expected ForceReload() to reject an invalid multishard policy")
	}
	if hr.GetConfig().MultiShard.Policy != "complete" {
		t.Errorf("GetConfig() should be unchanged after a rejected reload, got %q", hr.GetConfig().MultiShard.Policy)
	}
}
