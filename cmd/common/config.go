package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/fedround/protocol"
	"github.com/flashbots/fedround/services"
	"gopkg.in/yaml.v3"
)

// Registry backends.
const (
	RegistryMemory   = "memory"
	RegistryPostgres = "postgres"
)

// Config is the YAML configuration of the round server.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	EnablePprof bool     `yaml:"enable_pprof"`
	CORSOrigins []string `yaml:"cors_origins"`

	Log      LogConfig            `yaml:"log"`
	Keys     KeysConfig           `yaml:"keys"`
	Round    protocol.RoundConfig `yaml:"round"`
	Registry RegistryConfig       `yaml:"registry"`
	Shutdown ShutdownConfig       `yaml:"shutdown"`
}

type LogConfig struct {
	JSON  bool `yaml:"json"`
	Debug bool `yaml:"debug"`
}

type KeysConfig struct {
	// SigningKey signs published global models. Hex, generated when empty.
	SigningKey string `yaml:"signing_key"`
}

type RegistryConfig struct {
	Backend string `yaml:"backend"`

	// CacheSize is the number of device records cached in front of the
	// backend. Zero disables the cache.
	CacheSize int `yaml:"cache_size"`

	// DeviceTTL evicts devices not seen for this long. It must exceed the
	// iteration window so no participant of the open iteration is evicted.
	// Zero keeps devices forever.
	DeviceTTL time.Duration `yaml:"device_ttl"`

	Postgres services.PostgresConfig `yaml:"postgres"`
}

type ShutdownConfig struct {
	Drain    time.Duration `yaml:"drain"`
	Graceful time.Duration `yaml:"graceful"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":8090",
		Round:       *protocol.DefaultRoundConfig(),
		Registry: RegistryConfig{
			Backend:   RegistryMemory,
			CacheSize: 4096,
			Postgres: services.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Database: "fedround",
			},
		},
		Shutdown: ShutdownConfig{
			Drain:    5 * time.Second,
			Graceful: 10 * time.Second,
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	if err := c.Round.Validate(); err != nil {
		return fmt.Errorf("round: %w", err)
	}
	switch c.Registry.Backend {
	case RegistryMemory, RegistryPostgres:
	default:
		return fmt.Errorf("registry: unknown backend %q", c.Registry.Backend)
	}
	if c.Registry.CacheSize < 0 {
		return errors.New("registry: cache_size cannot be negative")
	}
	if ttl := c.Registry.DeviceTTL; ttl < 0 || (ttl > 0 && ttl <= c.Round.IterationWindow) {
		return fmt.Errorf("registry: device_ttl %s must be zero or exceed iteration_window %s", ttl, c.Round.IterationWindow)
	}
	return nil
}
