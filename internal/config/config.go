// Package config loads process configuration from an optional YAML file
// with environment-variable overrides, mirroring the teacher's
// internal/config.Config: a plain struct tree decoded with gopkg.in/yaml.v2,
// then overridden field-by-field from the environment, then defaulted, then
// cached behind a sync.Once singleton (internal/config/config.go, Get()).
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable for this node's field-plane services. Each
// binary (vaultd, router, agentd, tokend, feedd, sshguard) reads the
// sections relevant to it and ignores the rest.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Server     ServerConfig     `yaml:"server"`
	Vault      VaultConfig      `yaml:"vault"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Capability CapabilityConfig `yaml:"capability"`
	BLE        BLEConfig        `yaml:"ble"`
	Bus        BusConfig        `yaml:"bus"`
	Feed       FeedConfig       `yaml:"feed"`
	Token      TokenConfig      `yaml:"token"`
}

// NodeConfig identifies this node/device/role, per spec §3/§6.
type NodeConfig struct {
	NodeID   string `yaml:"node_id"`
	DeviceID string `yaml:"device_id"`
	Role     string `yaml:"role"`
}

// ServerConfig controls the HTTP listener shared by every daemon.
type ServerConfig struct {
	Port            string `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

// VaultConfig points at the vault-ingest service (C2) and the event log root.
type VaultConfig struct {
	IngestURL string `yaml:"ingest_url"`
	EventRoot string `yaml:"event_root"`
}

// DispatchConfig tunes the action router (C4).
type DispatchConfig struct {
	AuxHost          string `yaml:"aux_host"`
	LoggerHost       string `yaml:"logger_host"`
	DefaultTimeoutMs int    `yaml:"default_timeout_ms"`
	HealthIntervalMs int    `yaml:"health_interval_ms"`
	DryRun           bool   `yaml:"dry_run"`
}

// CapabilityConfig points at the capability descriptor and the claim DB
// used by the execution agent (C5).
type CapabilityConfig struct {
	CapabilitiesPath string `yaml:"capabilities_path"`
	ClaimDBPath      string `yaml:"claim_db_path"`
}

// BLEConfig points at the BLE identity registry (C6) database.
type BLEConfig struct {
	RegistryDB  string `yaml:"registry_db"`
	MergeWindow int    `yaml:"merge_window_sec"`
}

// BusConfig selects the pub/sub transport, falling back to in-process
// delivery when Redis is unreachable (see internal/bus).
type BusConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TopicPrefix   string `yaml:"topic_prefix"`
}

// FeedConfig controls the event feed reader (C7).
type FeedConfig struct {
	ReadMode   string `yaml:"read_mode"` // local | ssh | ssh_guard
	SSHTarget  string `yaml:"ssh_target"`
	SSHKeyPath string `yaml:"ssh_key_path"`
}

// TokenConfig controls the JIT token issuer (C3).
type TokenConfig struct {
	SigningKey string `yaml:"signing_key"`
	TTLSec     int    `yaml:"ttl_sec"`
}

var (
	once     sync.Once
	instance *Config
)

// Get returns the process-wide Config, loading it from CONFIG_PATH (or
// config.yaml) on first call and caching it thereafter.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig decodes a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Node.NodeID = getEnv("NODE_ID", c.Node.NodeID)
	c.Node.DeviceID = getEnv("DEVICE_ID", c.Node.DeviceID)
	c.Node.Role = getEnv("ROLE", c.Node.Role)

	c.Server.Port = getEnv("PORT", c.Server.Port)

	c.Vault.IngestURL = getEnv("VAULT_INGEST_URL", c.Vault.IngestURL)
	c.Vault.EventRoot = getEnv("EVENT_ROOT", c.Vault.EventRoot)

	c.Dispatch.AuxHost = getEnv("AUX_HOST", c.Dispatch.AuxHost)
	c.Dispatch.LoggerHost = getEnv("LOGGER_HOST", c.Dispatch.LoggerHost)
	if v := getEnvInt("DEFAULT_TIMEOUT_MS", 0); v > 0 {
		c.Dispatch.DefaultTimeoutMs = v
	}
	if v := getEnvInt("HEALTH_INTERVAL_MS", 0); v > 0 {
		c.Dispatch.HealthIntervalMs = v
	}
	c.Dispatch.DryRun = getEnvBool("DRY_RUN", c.Dispatch.DryRun)

	c.Capability.CapabilitiesPath = getEnv("CAPABILITIES_PATH", c.Capability.CapabilitiesPath)
	c.Capability.ClaimDBPath = getEnv("CLAIM_DB_PATH", c.Capability.ClaimDBPath)

	c.BLE.RegistryDB = getEnv("BLE_REGISTRY_DB", c.BLE.RegistryDB)
	if v := getEnvInt("BLE_MERGE_WINDOW_SEC", 0); v > 0 {
		c.BLE.MergeWindow = v
	}

	c.Bus.RedisAddr = getEnv("REDIS_ADDR", c.Bus.RedisAddr)
	c.Bus.RedisPassword = getEnv("REDIS_PASSWORD", c.Bus.RedisPassword)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Bus.RedisDB = v
	}
	c.Bus.TopicPrefix = getEnv("BUS_TOPIC_PREFIX", c.Bus.TopicPrefix)

	c.Feed.ReadMode = getEnv("READ_MODE", c.Feed.ReadMode)
	c.Feed.SSHTarget = getEnv("FEED_SSH_TARGET", c.Feed.SSHTarget)
	c.Feed.SSHKeyPath = getEnv("FEED_SSH_KEY_PATH", c.Feed.SSHKeyPath)

	c.Token.SigningKey = getEnv("TOKEN_SIGNING_KEY", c.Token.SigningKey)
	if v := getEnvInt("TOKEN_TTL_SEC", 0); v > 0 {
		c.Token.TTLSec = v
	}
}

// applyDefaults fills in any field still at its zero value after file load
// and env overrides, per spec §6's listed defaults.
func (c *Config) applyDefaults() {
	if c.Node.NodeID == "" {
		c.Node.NodeID = "node-local"
	}
	if c.Node.Role == "" {
		c.Node.Role = "agent"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 10
	}
	if c.Vault.EventRoot == "" {
		c.Vault.EventRoot = "./data/vault"
	}
	if c.Dispatch.DefaultTimeoutMs == 0 {
		c.Dispatch.DefaultTimeoutMs = 8000
	}
	if c.Dispatch.HealthIntervalMs == 0 {
		c.Dispatch.HealthIntervalMs = 30000
	}
	if c.Capability.CapabilitiesPath == "" {
		c.Capability.CapabilitiesPath = "./config/capabilities.json"
	}
	if c.Capability.ClaimDBPath == "" {
		c.Capability.ClaimDBPath = "./data/claims.json"
	}
	if c.BLE.RegistryDB == "" {
		c.BLE.RegistryDB = "./data/ble_registry.db"
	}
	if c.BLE.MergeWindow == 0 {
		c.BLE.MergeWindow = 5
	}
	if c.Bus.TopicPrefix == "" {
		c.Bus.TopicPrefix = "fieldplane:"
	}
	if c.Feed.ReadMode == "" {
		c.Feed.ReadMode = "local"
	}
	if c.Token.TTLSec == 0 {
		c.Token.TTLSec = 300
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
