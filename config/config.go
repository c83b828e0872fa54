// Package config defines the Conductor daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/agent/mock"
	"github.com/GoCodeAlone/conductor/task"
)

// EnvPrefix prefixes environment overrides, e.g. CONDUCTOR_SERVER_ADDR.
const EnvPrefix = "CONDUCTOR"

// Ledger drivers.
const (
	LedgerMemory = "memory"
	LedgerSQLite = "sqlite"
	LedgerRedis  = "redis"
)

// Agent executors.
const (
	ExecutorMock   = "mock"   // in-process scripted executor
	ExecutorRemote = "remote" // results arrive over the HTTP API
)

// Config is the top-level Conductor configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Dispatch  DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Ledger    LedgerConfig   `yaml:"ledger" mapstructure:"ledger"`
	Agents    []AgentConfig  `yaml:"agents" mapstructure:"agents"`
	LogLevel  string         `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string         `yaml:"log_format" mapstructure:"log_format"`           // "json" or "console"
	StateFile string         `yaml:"state_file,omitempty" mapstructure:"state_file"` // written on shutdown when set
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr         string  `yaml:"addr" mapstructure:"addr"`             // listen address, e.g., ":9090"
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second per client; 0 disables
	RateBurst    int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	EventHistory int     `yaml:"event_history" mapstructure:"event_history"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AdminUser string        `yaml:"admin_user" mapstructure:"admin_user"`
	AdminPass string        `yaml:"admin_pass" mapstructure:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// DispatchConfig controls retries and timeouts.
type DispatchConfig struct {
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries"`
	DistinctAgentRetry bool          `yaml:"distinct_agent_retry" mapstructure:"distinct_agent_retry"`
	TaskTimeout        time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"` // 0 disables
}

// LedgerConfig selects where terminal tasks are recorded.
type LedgerConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	SQLitePath    string `yaml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr,omitempty" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password,omitempty" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db,omitempty" mapstructure:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty" mapstructure:"redis_prefix"`
}

// AgentConfig defines an agent registered at startup.
type AgentConfig struct {
	ID                 string   `yaml:"id" mapstructure:"id"`
	Capabilities       []string `yaml:"capabilities" mapstructure:"capabilities"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	Priority           int      `yaml:"priority,omitempty" mapstructure:"priority"`
	Executor           string   `yaml:"executor" mapstructure:"executor"`
	Responses          []string `yaml:"responses,omitempty" mapstructure:"responses"` // mock only
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":9090",
			RateLimit:    20,
			RateBurst:    40,
			EventHistory: 1000,
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			MaxRetries:         1,
			DistinctAgentRetry: true,
		},
		Ledger: LedgerConfig{
			Driver:      LedgerMemory,
			SQLitePath:  "./data/conductor.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: task.DefaultRedisPrefix,
		},
		LogLevel:  "info",
		LogFormat: "console",
		Agents: []AgentConfig{
			{
				ID:                 "researcher",
				Capabilities:       []string{"research", "analysis"},
				MaxConcurrentTasks: 5,
				Executor:           ExecutorMock,
			},
			{
				ID:                 "coder",
				Capabilities:       []string{"code", "planning"},
				MaxConcurrentTasks: 5,
				Executor:           ExecutorMock,
			},
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.event_history", d.Server.EventHistory)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.admin_user", d.Auth.AdminUser)
	v.SetDefault("auth.admin_pass", d.Auth.AdminPass)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL.String())

	v.SetDefault("dispatch.max_retries", d.Dispatch.MaxRetries)
	v.SetDefault("dispatch.distinct_agent_retry", d.Dispatch.DistinctAgentRetry)
	v.SetDefault("dispatch.task_timeout", d.Dispatch.TaskTimeout.String())

	v.SetDefault("ledger.driver", d.Ledger.Driver)
	v.SetDefault("ledger.sqlite_path", d.Ledger.SQLitePath)
	v.SetDefault("ledger.redis_addr", d.Ledger.RedisAddr)
	v.SetDefault("ledger.redis_password", d.Ledger.RedisPassword)
	v.SetDefault("ledger.redis_db", d.Ledger.RedisDB)
	v.SetDefault("ledger.redis_prefix", d.Ledger.RedisPrefix)

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("state_file", d.StateFile)
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is non-empty) and CONDUCTOR_* environment variables, in increasing
// precedence. Agents come from the file, or the defaults when it has none.
func Load(path string) (*Config, error) {
	def := DefaultConfig()
	v := viper.New()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if !v.IsSet("agents") {
		cfg.Agents = def.Agents
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Executor == "" {
			cfg.Agents[i].Executor = ExecutorMock
		}
	}
	return cfg, nil
}

// Write marshals cfg as YAML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate reports every problem found in cfg.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must not be negative"))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries must not be negative, got %d", c.Dispatch.MaxRetries))
	}
	if c.Dispatch.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.task_timeout must not be negative, got %s", c.Dispatch.TaskTimeout))
	}

	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerSQLite:
		if c.Ledger.SQLitePath == "" {
			errs = append(errs, errors.New("ledger.sqlite_path is required for the sqlite driver"))
		}
	case LedgerRedis:
		if c.Ledger.RedisAddr == "" {
			errs = append(errs, errors.New("ledger.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q is not one of memory, sqlite, redis", c.Ledger.Driver))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if _, err := a.Spec(); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Spec converts the entry into an agent registration. Mock agents get an
// in-process executor; remote agents get none.
func (a AgentConfig) Spec() (agent.Spec, error) {
	caps := make([]task.Capability, 0, len(a.Capabilities))
	for _, s := range a.Capabilities {
		c, err := task.ParseCapability(s)
		if err != nil {
			return agent.Spec{}, task.Invalid("capabilities", "%v", err)
		}
		caps = append(caps, c)
	}
	spec := agent.Spec{
		ID:                 a.ID,
		Capabilities:       caps,
		MaxConcurrentTasks: a.MaxConcurrentTasks,
		Priority:           a.Priority,
	}
	switch a.Executor {
	case ExecutorMock, "":
		spec.Executor = mock.New(a.Responses...)
	case ExecutorRemote:
	default:
		return agent.Spec{}, task.Invalid("executor", "%q is not one of mock, remote", a.Executor)
	}
	if err := spec.Validate(); err != nil {
		return agent.Spec{}, err
	}
	return spec, nil
}
