package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback is called when configuration changes
type ReloadCallback func(old, new *Config) error

// HotReloader watches a configuration file and reloads it on changes.
// The query server uses this to pick up changed MultiShard defaults
// (completeness policy, timeouts, retry budgets) without a restart.
type HotReloader struct {
	logger        *zap.Logger
	configPath    string
	currentConfig *Config
	currentHash   string
	callbacks     []ReloadCallback
	mu            sync.RWMutex
	checkInterval time.Duration
	stopCh        chan struct{}
}

// HotReloaderConfig holds configuration for the hot reloader
type HotReloaderConfig struct {
	ConfigPath    string
	CheckInterval time.Duration
}

// NewHotReloader creates a new configuration hot reloader
func NewHotReloader(logger *zap.Logger, cfg HotReloaderConfig) (*HotReloader, error) {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Second
	}

	config, err := LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	hash, err := calculateConfigHash(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate config hash: %w", err)
	}

	return &HotReloader{
		logger:        logger,
		configPath:    cfg.ConfigPath,
		currentConfig: config,
		currentHash:   hash,
		callbacks:     make([]ReloadCallback, 0),
		checkInterval: cfg.CheckInterval,
		stopCh:        make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called when configuration changes
func (hr *HotReloader) OnReload(callback ReloadCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.callbacks = append(hr.callbacks, callback)
}

// GetConfig returns the current configuration
func (hr *HotReloader) GetConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}

// Start starts watching for configuration changes. Blocks until ctx is
// canceled or Stop is called.
func (hr *HotReloader) Start(ctx context.Context) {
	ticker := time.NewTicker(hr.checkInterval)
	defer ticker.Stop()

	hr.logger.Info("config hot-reload started", zap.String("path", hr.configPath), zap.Duration("interval", hr.checkInterval))

	for {
		select {
		case <-ctx.Done():
			hr.logger.Info("config hot-reload stopped")
			return
		case <-hr.stopCh:
			hr.logger.Info("config hot-reload stopped")
			return
		case <-ticker.C:
			if err := hr.checkAndReload(); err != nil {
				hr.logger.Error("failed to check/reload config", zap.Error(err))
			}
		}
	}
}

// Stop stops the hot reloader
func (hr *HotReloader) Stop() {
	close(hr.stopCh)
}

func (hr *HotReloader) checkAndReload() error {
	newHash, err := calculateConfigHash(hr.configPath)
	if err != nil {
		return fmt.Errorf("failed to calculate config hash: %w", err)
	}

	hr.mu.RLock()
	currentHash := hr.currentHash
	hr.mu.RUnlock()

	if newHash == currentHash {
		return nil
	}

	hr.logger.Info("configuration change detected, reloading", zap.String("old_hash", currentHash), zap.String("new_hash", newHash))

	newConfig, err := LoadConfig(hr.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	if err := hr.validateConfig(newConfig); err != nil {
		hr.logger.Warn("new configuration is invalid, not reloading", zap.Error(err))
		return fmt.Errorf("invalid config: %w", err)
	}

	hr.mu.Lock()
	oldConfig := hr.currentConfig
	hr.mu.Unlock()

	hr.mu.RLock()
	callbacks := hr.callbacks
	hr.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			hr.logger.Error("reload callback failed", zap.Error(err))
		}
	}

	hr.mu.Lock()
	hr.currentConfig = newConfig
	hr.currentHash = newHash
	hr.mu.Unlock()

	hr.logger.Info("configuration reloaded successfully")
	return nil
}

func (hr *HotReloader) validateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.MultiShard.MaxConnectionRetries < 1 {
		return fmt.Errorf("invalid max connection retries: %d", cfg.MultiShard.MaxConnectionRetries)
	}
	if cfg.MultiShard.Policy != "complete" && cfg.MultiShard.Policy != "partial" {
		return fmt.Errorf("invalid multishard policy: %q", cfg.MultiShard.Policy)
	}
	return nil
}

// ForceReload checks the config file immediately instead of waiting for
// the next tick; used by tests and by callers that already know the
// file was rewritten. A file whose hash is unchanged is still a no-op.
func (hr *HotReloader) ForceReload() error {
	return hr.checkAndReload()
}

func calculateConfigHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
