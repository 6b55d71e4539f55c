package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// decodeFile parses a file over the defaults without validating it, so
// that environment overrides can still fill required fields.
func decodeFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. It returns
// the validated config and the path it was read from (which may not exist).
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg := DefaultConfig()

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		var err error

		cfg, err = decodeFile(cfgPath)
		if err != nil {
			return nil, cfgPath, err
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, cfgPath, fmt.Errorf("reading config file %s: %w", cfgPath, statErr)
	}

	env.apply(cfg)

	if cli.Listen != nil {
		cfg.Server.Listen = *cli.Listen
	}

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

// Reload re-reads path and applies env on top, exactly as Resolve does,
// then carries over every non-reloadable field from current. Reports the
// names of non-reloadable sections whose file value changed, so the caller
// can log that they were ignored.
func Reload(path string, env EnvOverrides, current *Config) (*Config, []string, error) {
	next, err := decodeFile(path)
	if err != nil {
		return nil, nil, err
	}

	env.apply(next)

	if err := Validate(next); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	var ignored []string

	if !equalNAS(&current.NAS, &next.NAS) {
		ignored = append(ignored, "nas")
	}

	if current.Catalog != next.Catalog {
		ignored = append(ignored, "catalog")
	}

	if current.Server != next.Server {
		ignored = append(ignored, "server")
	}

	if current.Network != next.Network {
		ignored = append(ignored, "network")
	}

	if current.Reconcile.LockRedisURL != next.Reconcile.LockRedisURL {
		ignored = append(ignored, "reconcile.lock_redis_url")
	}

	merged := *next
	merged.NAS = current.NAS
	merged.Catalog = current.Catalog
	merged.Server = current.Server
	merged.Network = current.Network
	merged.Reconcile.LockRedisURL = current.Reconcile.LockRedisURL
	merged.Reconcile.LockTTL = current.Reconcile.LockTTL

	return &merged, ignored, nil
}

func equalNAS(a, b *NASConfig) bool {
	return a.Username == b.Username &&
		a.Password == b.Password &&
		a.SessionTTL == b.SessionTTL &&
		a.LoginTimeout == b.LoginTimeout &&
		a.ProbeTimeout == b.ProbeTimeout &&
		slices.Equal(a.Endpoints, b.Endpoints) &&
		equalFamily(&a.FileManagement, &b.FileManagement) &&
		equalFamily(&a.MediaLibrary, &b.MediaLibrary)
}

func equalFamily(a, b *FamilyConfig) bool {
	return a.Enabled == b.Enabled &&
		a.Username == b.Username &&
		a.Password == b.Password &&
		a.SessionKind == b.SessionKind &&
		slices.Equal(a.Endpoints, b.Endpoints)
}
