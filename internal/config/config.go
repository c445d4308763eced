// Package config loads service configuration from the environment.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/bridgekeeper/internal/ledger"
)

// Config is the bridged service configuration. CLI flags override it.
type Config struct {
	DBPath             string        `env:"BRIDGE_DB_PATH"               envDefault:"bridge.db"`
	HTTPAddr           string        `env:"BRIDGE_HTTP_ADDR"             envDefault:":3000"`
	SecretKey          string        `env:"BURN_PROOF_AUTHORITY_SECRET_KEY"`
	ChainEndpoint      string        `env:"BRIDGE_CHAIN_ENDPOINT"`
	ChainTopic         string        `env:"BRIDGE_CHAIN_TOPIC"           envDefault:"bridge."`
	ChainDialWindow    time.Duration `env:"BRIDGE_CHAIN_DIAL_WINDOW"     envDefault:"1m"`
	StartEventListener bool          `env:"START_EVENT_LISTENER"         envDefault:"true"`
	DefaultPoolCeiling int64         `env:"BRIDGE_DEFAULT_POOL_CAPACITY" envDefault:"500000"`
	PoolsFile          string        `env:"BRIDGE_POOLS_FILE"`
	RequestTimeout     time.Duration `env:"BRIDGE_REQUEST_TIMEOUT"       envDefault:"10s"`
	EventMaxAttempts   int           `env:"BRIDGE_EVENT_MAX_ATTEMPTS"    envDefault:"5"`
	LogLevel           string        `env:"LOG_LEVEL"                    envDefault:"info"`
}

// Load reads Config from the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads Config from vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges env parsing cannot express.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("BRIDGE_DB_PATH must not be empty")
	}
	if c.DefaultPoolCeiling < 0 {
		return fmt.Errorf("BRIDGE_DEFAULT_POOL_CAPACITY must be non-negative, got %d", c.DefaultPoolCeiling)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("BRIDGE_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.ChainDialWindow <= 0 {
		return fmt.Errorf("BRIDGE_CHAIN_DIAL_WINDOW must be positive, got %s", c.ChainDialWindow)
	}
	if c.EventMaxAttempts < 1 {
		return fmt.Errorf("BRIDGE_EVENT_MAX_ATTEMPTS must be at least 1, got %d", c.EventMaxAttempts)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps LOG_LEVEL values onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// PoolCeiling is one entry of the pools file.
type PoolCeiling struct {
	Asset       string `yaml:"asset"`
	MaxCapacity int64  `yaml:"max_capacity"`
}

type poolsFile struct {
	Pools []PoolCeiling `yaml:"pools"`
}

// LoadPools reads pool ceilings from a YAML file of the form:
//
//	pools:
//	  - asset: FIRE
//	    max_capacity: 500000
func LoadPools(path string) ([]PoolCeiling, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pools file: %w", err)
	}
	return ParsePools(data)
}

// ParsePools decodes and validates pool ceilings.
func ParsePools(data []byte) ([]PoolCeiling, error) {
	var f poolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pools file: %w", err)
	}

	seen := make(map[string]bool, len(f.Pools))
	for i, p := range f.Pools {
		if strings.TrimSpace(p.Asset) == "" {
			return nil, fmt.Errorf("pools[%d]: asset is required", i)
		}
		if p.MaxCapacity < 0 {
			return nil, fmt.Errorf("pools[%d] (%s): max_capacity must be non-negative", i, p.Asset)
		}
		if seen[p.Asset] {
			return nil, fmt.Errorf("pools[%d]: duplicate asset %q", i, p.Asset)
		}
		seen[p.Asset] = true
	}
	return f.Pools, nil
}

// ApplyPools sets each ceiling on l.
func ApplyPools(ctx context.Context, l *ledger.Ledger, pools []PoolCeiling) error {
	for _, p := range pools {
		if err := l.SetCeiling(ctx, p.Asset, p.MaxCapacity); err != nil {
			return fmt.Errorf("apply ceiling for %s: %w", p.Asset, err)
		}
	}
	return nil
}
