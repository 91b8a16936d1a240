package region

import (
	"fmt"
	"slices"
	"time"

	"superpost/internal/vault"
	"superpost/pkg/backoff"
	"superpost/pkg/circuitbreaker"
	"superpost/pkg/config"
	"superpost/pkg/otel"
)

// Roles a region can play.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Config is the merged configuration of one region process.
type Config struct {
	Region string `yaml:"region"`
	Role   string `yaml:"role"`
	// Peer names the other region.
	Peer string `yaml:"peer"`

	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	Server config.ServerConfig `yaml:"server"`
	Otel   otel.Config         `yaml:"otel"`

	Storage     StorageConfig     `yaml:"storage"`
	Workflow    RetryConfig       `yaml:"workflow"`
	Router      RouterConfig      `yaml:"router"`
	Forward     ForwardConfig     `yaml:"forward"`
	Vault       VaultConfig       `yaml:"vault"`
	Documents   DocumentsConfig   `yaml:"documents"`
	Replication ReplicationConfig `yaml:"replication"`
}

// Storage backends. An empty backend means memory.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

// Uses reports whether any store is configured with backend.
func (c *Config) Uses(backend string) bool {
	switch backend {
	case c.Storage.Mailbox, c.Storage.Checkpoints, c.Storage.Params, c.Storage.DeadLetters, c.Vault.Backend:
		return true
	}
	return backend == BackendPostgres && (c.Replication.Enabled || c.Forward.Outbox)
}

// StorageConfig picks the backend of each store: memory, redis or postgres.
type StorageConfig struct {
	Mailbox     string `yaml:"mailbox"`
	Checkpoints string `yaml:"checkpoints"`
	Params      string `yaml:"params"`
	DeadLetters string `yaml:"dead_letters"`
}

// RetryConfig bounds retries and run time.
type RetryConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Policy converts the config to a backoff policy.
func (c RetryConfig) Policy() backoff.Policy {
	p := backoff.DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.Attempts = c.MaxAttempts
	}
	if c.BaseBackoff > 0 {
		p.Base = c.BaseBackoff
	}
	if c.MaxBackoff > 0 {
		p.Max = c.MaxBackoff
	}
	return p
}

type RouterConfig struct {
	RetryConfig `yaml:",inline"`
	Workers     int `yaml:"workers"`
	Buffer      int `yaml:"buffer"`
}

// ForwardConfig covers the cross-region hop: the breaker in front of it and
// the queue the peer consumes from.
type ForwardConfig struct {
	Breaker    circuitbreaker.Config `yaml:"breaker"`
	Queue      string                `yaml:"queue"`
	MaxRetries int64                 `yaml:"max_retries"`
	// Outbox parks forwarded events in PostgreSQL until the broker takes them.
	Outbox bool `yaml:"outbox"`
}

type VaultConfig struct {
	// Backend is memory, file or redis.
	Backend  string               `yaml:"backend"`
	File     string               `yaml:"file"`
	Selector vault.SelectorConfig `yaml:"selector"`
}

type DocumentsConfig struct {
	Dir      string        `yaml:"dir"`
	Bucket   string        `yaml:"bucket"`
	File     string        `yaml:"file"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// ReplicationConfig points the mailbox at the peer region's table.
type ReplicationConfig struct {
	Enabled bool            `yaml:"enabled"`
	PeerDB  config.DBConfig `yaml:"peer_db"`
}

// Load reads base.yaml and <CONFIG_ENV>.yaml from CONFIG_DIR.
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	dir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// Environment variables win.
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideDBFromEnvPrefix(&cfg.Replication.PeerDB, "PEER_DB_")
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the region cannot start with.
func (c *Config) Validate() error {
	switch c.Role {
	case RolePrimary, RoleSecondary:
	default:
		return fmt.Errorf("config: role must be %q or %q, got %q", RolePrimary, RoleSecondary, c.Role)
	}
	if c.Region == "" {
		return fmt.Errorf("config: region is required")
	}
	if c.Replication.Enabled && c.Storage.Mailbox != BackendPostgres {
		return fmt.Errorf("config: replication needs the postgres mailbox, got %q", c.Storage.Mailbox)
	}
	checks := []struct {
		name, backend string
		allowed       []string
	}{
		{"storage.mailbox", c.Storage.Mailbox, []string{BackendMemory, BackendPostgres}},
		{"storage.checkpoints", c.Storage.Checkpoints, []string{BackendMemory, BackendRedis, BackendPostgres}},
		{"storage.params", c.Storage.Params, []string{BackendMemory, BackendRedis}},
		{"storage.dead_letters", c.Storage.DeadLetters, []string{BackendMemory, BackendPostgres}},
		{"vault.backend", c.Vault.Backend, []string{BackendMemory, BackendRedis, BackendFile}},
	}
	for _, chk := range checks {
		if chk.backend != "" && !slices.Contains(chk.allowed, chk.backend) {
			return fmt.Errorf("config: %s must be one of %v, got %q", chk.name, chk.allowed, chk.backend)
		}
	}
	if c.Vault.Backend == BackendFile && c.Vault.File == "" {
		return fmt.Errorf("config: vault.file is required by the file vault")
	}
	return nil
}
