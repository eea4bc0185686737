package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds process-wide settings shared by the services. Per-cluster
// settings live in the clusters table and are loaded through the store.
type Config struct {
	Port          string `envconfig:"PORT" default:":8080"`
	SessionSecret string `envconfig:"SESSION_SECRET" default:"default-secret-key"`
	DatabasePath  string `envconfig:"DATABASE_PATH" default:"classlab.db"`

	// IP discovery
	DBIPCacheTTL    time.Duration `envconfig:"DB_IP_CACHE_TTL" default:"3600s"`
	IPLookupWorkers int           `envconfig:"IP_LOOKUP_WORKERS" default:"4"`

	// Proxmox API
	ProxmoxCacheTTL time.Duration `envconfig:"PROXMOX_CACHE_TTL" default:"10s"`
	VMStopTimeout   time.Duration `envconfig:"VM_STOP_TIMEOUT" default:"60s"`

	// Shell executor pool
	SSHPoolMax     int           `envconfig:"SSH_POOL_MAX" default:"50"`
	SSHIdleTimeout time.Duration `envconfig:"SSH_IDLE_TIMEOUT" default:"600s"`
	SSHUser        string        `envconfig:"SSH_USER" default:"root"`
	SSHPort        int           `envconfig:"SSH_PORT" default:"22"`
	SSHKeyPath     string        `envconfig:"SSH_KEY_PATH"`
	SSHPassword    string        `envconfig:"SSH_PASSWORD"`

	// Command timeouts
	ShellTimeout   time.Duration `envconfig:"SHELL_TIMEOUT" default:"60s"`
	ConvertTimeout time.Duration `envconfig:"CONVERT_TIMEOUT" default:"600s"`
	CloneTimeout   time.Duration `envconfig:"CLONE_TIMEOUT" default:"300s"`

	// Per-class pessimistic locking
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	LockTimeout     time.Duration `envconfig:"LOCK_TIMEOUT" default:"30s"`
	LockRetryBudget int           `envconfig:"LOCK_RETRY_BUDGET" default:"5"`

	// Legacy JSON bootstrap for the clusters table
	ClusterConfigPath string `envconfig:"CLUSTER_CONFIG_PATH"`

	// Optional LDAP login fallback
	LDAPEnabled bool `envconfig:"LDAP_ENABLED" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load parses configuration from environment variables and clamps the
// fields that have hard operational bounds.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment configuration: %w", err)
	}

	// The lookup pool is bounded to keep ARP sweeps from saturating links.
	if cfg.IPLookupWorkers < 2 {
		cfg.IPLookupWorkers = 2
	}
	if cfg.IPLookupWorkers > 8 {
		cfg.IPLookupWorkers = 8
	}

	if cfg.SSHPoolMax <= 0 {
		cfg.SSHPoolMax = 50
	}

	return &cfg, nil
}
