package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mcpgate/internal/bridge"
	"github.com/loykin/mcpgate/internal/env"
	"github.com/loykin/mcpgate/internal/health"
	"github.com/loykin/mcpgate/internal/logger"
	"github.com/loykin/mcpgate/internal/process"
	"github.com/loykin/mcpgate/internal/restart"
	"github.com/loykin/mcpgate/internal/tls"
	"github.com/loykin/mcpgate/internal/watchdog"
)

const (
	DefaultListen = "127.0.0.1:8787"
	DefaultBase   = "/api"
)

// Config represents the whole configuration file.
type Config struct {
	Env      []string        `mapstructure:"env"`
	EnvFiles []string        `mapstructure:"env_files"`
	UseOSEnv bool            `mapstructure:"use_os_env"`
	Log      logger.Config   `mapstructure:"log"`
	Server   ServerConfig    `mapstructure:"server"`
	Watchdog watchdog.Config `mapstructure:"watchdog"`
	Bridge   bridge.Config   `mapstructure:"bridge"`
	History  HistoryConfig   `mapstructure:"history"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Servers  []ServerEntry   `mapstructure:"servers"`

	// MCPServers holds entries of the {"mcpServers": {...}} JSON layout.
	MCPServers map[string]ClaudeServer `mapstructure:"-"`
}

type ServerConfig struct {
	Listen string     `mapstructure:"listen"`
	Base   string     `mapstructure:"base"`
	TLS    tls.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerEntry is one [[servers]] table.
type ServerEntry struct {
	ID          string        `mapstructure:"id"`
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Env         []string      `mapstructure:"env"` // KEY=VALUE
	WorkDir     string        `mapstructure:"workdir"`
	LiveRestart bool          `mapstructure:"live_restart"`
	Autostart   *bool         `mapstructure:"autostart"`
	Restart     RestartConfig `mapstructure:"restart"`
	Health      health.Config `mapstructure:"health"`
}

// RestartConfig overlays restart.DefaultPolicy; unset fields keep the default.
type RestartConfig struct {
	Enabled           *bool         `mapstructure:"enabled"`
	MaxRestarts       *int          `mapstructure:"max_restarts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Window            time.Duration `mapstructure:"window"`
}

// Policy resolves the overlay against the defaults.
func (r RestartConfig) Policy() restart.Policy {
	p := restart.DefaultPolicy()
	if r.Enabled != nil {
		p.Enabled = *r.Enabled
	}
	if r.MaxRestarts != nil {
		p.MaxRestarts = *r.MaxRestarts
	}
	if r.InitialDelay != 0 {
		p.InitialDelay = r.InitialDelay
	}
	if r.BackoffMultiplier != 0 {
		p.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.MaxDelay != 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.Window != 0 {
		p.Window = r.Window
	}
	return p
}

// ClaudeServer is one entry of the mcpServers JSON layout used by desktop
// MCP clients.
type ClaudeServer struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Cwd      string            `json:"cwd"`
	Disabled bool              `json:"disabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base", DefaultBase)
	v.SetDefault("watchdog.tick_interval", watchdog.DefaultTickInterval)
	v.SetDefault("watchdog.grace_period", watchdog.DefaultGracePeriod)
	v.SetDefault("bridge.call_timeout", bridge.DefaultCallTimeout)
	v.SetDefault("bridge.handshake_timeout", bridge.DefaultHandshakeTimeout)
	v.SetDefault("bridge.protocol_version", bridge.DefaultProtocolVersion)
	v.SetDefault("metrics.enabled", true)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

// Load reads a TOML, YAML or JSON file (chosen by extension).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	// viper lowercases map keys, which would mangle env names
	if configType(path) == "json" {
		if err := loadClaudeServers(path, &c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

func loadClaudeServers(path string, c *Config) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var doc struct {
		MCPServers map[string]ClaudeServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode mcpServers: %w", err)
	}
	c.MCPServers = doc.MCPServers
	return nil
}

func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for id := range c.MCPServers {
		if seen[id] {
			return fmt.Errorf("duplicate server id %q", id)
		}
		seen[id] = true
	}
	return nil
}

// GlobalEnv builds the gateway-wide environment. Precedence, lowest first:
// the OS environment (when use_os_env is set), env_files in order, env.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		vars, err := env.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range vars {
			e.Set(k, v)
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}

// Registrations converts every configured server into a watchdog
// registration, sorted by id.
func (c *Config) Registrations() ([]watchdog.Registration, error) {
	out := make([]watchdog.Registration, 0, len(c.Servers)+len(c.MCPServers))
	for _, s := range c.Servers {
		r := watchdog.Registration{
			Identity: process.Identity{
				ID:                  s.ID,
				Command:             s.Command,
				Args:                s.Args,
				Env:                 env.ParsePairs(s.Env),
				WorkDir:             s.WorkDir,
				SupportsLiveRestart: s.LiveRestart,
				Log:                 c.Log,
			},
			Policy: s.Restart.Policy(),
			Health: s.Health,
		}
		if err := validate(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	for id, s := range c.MCPServers {
		r := watchdog.Registration{
			Identity: process.Identity{
				ID:      id,
				Command: s.Command,
				Args:    s.Args,
				Env:     s.Env,
				WorkDir: s.Cwd,
				Log:     c.Log,
			},
			Policy: restart.DefaultPolicy(),
		}
		if err := validate(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out, nil
}

func validate(r watchdog.Registration) error {
	if err := r.Identity.Validate(); err != nil {
		return err
	}
	if err := r.Policy.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", r.Identity.ID, err)
	}
	if err := r.Health.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", r.Identity.ID, err)
	}
	return nil
}

// Autostart lists the servers started by serve. [[servers]] entries start
// unless autostart = false; mcpServers entries unless disabled.
func (c *Config) Autostart() []string {
	var ids []string
	for _, s := range c.Servers {
		if s.Autostart == nil || *s.Autostart {
			ids = append(ids, s.ID)
		}
	}
	for id, s := range c.MCPServers {
		if !s.Disabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
