package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Metadata      MetadataConfig      `json:"metadata"`
	MultiShard    MultiShardConfig    `json:"multishard"`
	Security      SecurityConfig      `json:"security"`
	Observability ObservabilityConfig `json:"observability"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"-"`
	WriteTimeout time.Duration `json:"-"`
	IdleTimeout  time.Duration `json:"-"`
	ReadTimeoutStr  string     `json:"read_timeout"`
	WriteTimeoutStr string     `json:"write_timeout"`
	IdleTimeoutStr  string     `json:"idle_timeout"`
}

// MetadataConfig holds metadata store configuration
type MetadataConfig struct {
	Type     string   `json:"type"` // "etcd" or "postgres"
	Endpoints []string `json:"endpoints"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Database string   `json:"database"`
	Timeout  time.Duration `json:"-"`
	TimeoutStr string `json:"timeout"`
}

// MultiShardConfig holds defaults for every multi-shard command this
// process creates: completeness policy, timeouts, retry budget, and
// the shard-catalog snapshot provider backing the connection's shard
// list.
type MultiShardConfig struct {
	Policy              string `json:"policy"` // "complete" or "partial"
	IncludeShardName    bool   `json:"include_shard_name"`
	PerShardTimeout     time.Duration `json:"-"`
	PerShardTimeoutStr  string        `json:"per_shard_timeout"`
	OverallTimeout      time.Duration `json:"-"`
	OverallTimeoutStr   string        `json:"overall_timeout"`
	MaxConnectionRetries int    `json:"max_connection_retries"`
	MaxCommandRetries    int    `json:"max_command_retries"`

	CatalogBackend   string   `json:"catalog_backend"` // "etcd" or "kubernetes"
	CatalogEndpoints []string `json:"catalog_endpoints"`
	CatalogPrefix    string   `json:"catalog_prefix"`
	CatalogNamespace string   `json:"catalog_namespace"`
	RefreshSchedule  string   `json:"refresh_schedule"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	EnableTLS    bool   `json:"enable_tls"`
	TLSCertPath  string `json:"tls_cert_path"`
	TLSKeyPath   string `json:"tls_key_path"`
	EnableRBAC   bool   `json:"enable_rbac"`
	JWTSecret    string `json:"jwt_secret"`
	AuditLogPath string `json:"audit_log_path"`
	UserStoreDSN string `json:"user_store_dsn"`
	BaseURL      string `json:"base_url"`
}

// ObservabilityConfig holds observability configuration
type ObservabilityConfig struct {
	MetricsPort    int    `json:"metrics_port"`
	EnableTracing  bool   `json:"enable_tracing"`
	TracingEndpoint string `json:"tracing_endpoint"`
	LogLevel       string `json:"log_level"`
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Parse duration strings
	if err := parseDurations(&config); err != nil {
		return nil, fmt.Errorf("failed to parse durations: %w", err)
	}

	// Set defaults
	setDefaults(&config)

	return &config, nil
}

// parseDurations parses duration strings into time.Duration
func parseDurations(c *Config) error {
	var err error

	// Parse server timeouts
	if c.Server.ReadTimeoutStr != "" {
		c.Server.ReadTimeout, err = time.ParseDuration(c.Server.ReadTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid read_timeout: %w", err)
		}
	}
	if c.Server.WriteTimeoutStr != "" {
		c.Server.WriteTimeout, err = time.ParseDuration(c.Server.WriteTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid write_timeout: %w", err)
		}
	}
	if c.Server.IdleTimeoutStr != "" {
		c.Server.IdleTimeout, err = time.ParseDuration(c.Server.IdleTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid idle_timeout: %w", err)
		}
	}

	// Parse metadata timeout
	if c.Metadata.TimeoutStr != "" {
		c.Metadata.Timeout, err = time.ParseDuration(c.Metadata.TimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid metadata timeout: %w", err)
		}
	}

	// Parse multi-shard command timeouts
	if c.MultiShard.PerShardTimeoutStr != "" {
		c.MultiShard.PerShardTimeout, err = time.ParseDuration(c.MultiShard.PerShardTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid per_shard_timeout: %w", err)
		}
	}
	if c.MultiShard.OverallTimeoutStr != "" {
		c.MultiShard.OverallTimeout, err = time.ParseDuration(c.MultiShard.OverallTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid overall_timeout: %w", err)
		}
	}

	return nil
}

func setDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.MultiShard.Policy == "" {
		c.MultiShard.Policy = "complete"
	}
	if c.MultiShard.PerShardTimeout == 0 {
		c.MultiShard.PerShardTimeout = 30 * time.Second
	}
	if c.MultiShard.OverallTimeout == 0 {
		c.MultiShard.OverallTimeout = 300 * time.Second
	}
	if c.MultiShard.MaxConnectionRetries == 0 {
		c.MultiShard.MaxConnectionRetries = 3
	}
	if c.MultiShard.MaxCommandRetries == 0 {
		c.MultiShard.MaxCommandRetries = 2
	}
	if c.MultiShard.CatalogBackend == "" {
		c.MultiShard.CatalogBackend = "etcd"
	}
	if c.MultiShard.CatalogPrefix == "" {
		c.MultiShard.CatalogPrefix = "/shardquery/shards/"
	}
	if c.MultiShard.RefreshSchedule == "" {
		c.MultiShard.RefreshSchedule = "@every 30s"
	}
	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = 9090
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

