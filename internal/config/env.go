package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name below.
const EnvPrefix = "NASGATE_"

// EnvOverrides holds values derived from environment variables. Secrets
// are usually supplied this way rather than in the config file.
type EnvOverrides struct {
	ConfigPath    string   `env:"CONFIG"`
	Endpoints     []string `env:"NAS_ENDPOINTS" envSeparator:","`
	Username      string   `env:"NAS_USERNAME"`
	Password      string   `env:"NAS_PASSWORD"`
	MediaUsername string   `env:"NAS_MEDIA_USERNAME"`
	MediaPassword string   `env:"NAS_MEDIA_PASSWORD"`
	CatalogDSN    string   `env:"CATALOG_DSN"`
	Listen        string   `env:"SERVER_LISTEN"`
	LogLevel      string   `env:"LOG_LEVEL"`
	LockRedisURL  string   `env:"LOCK_REDIS_URL"`
}

// ReadEnvOverrides loads dotenvPath into the process environment if it
// exists (without overriding variables already set), then parses the
// NASGATE_* variables.
func ReadEnvOverrides(dotenvPath string) (EnvOverrides, error) {
	var out EnvOverrides

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return out, fmt.Errorf("loading %s: %w", dotenvPath, err)
		}
	}

	if err := env.ParseWithOptions(&out, env.Options{Prefix: EnvPrefix}); err != nil {
		return out, fmt.Errorf("parsing environment: %w", err)
	}

	return out, nil
}

// apply copies every set override into cfg.
func (e *EnvOverrides) apply(cfg *Config) {
	if len(e.Endpoints) > 0 {
		cfg.NAS.Endpoints = e.Endpoints
	}

	setIf(&cfg.NAS.Username, e.Username)
	setIf(&cfg.NAS.Password, e.Password)
	setIf(&cfg.NAS.MediaLibrary.Username, e.MediaUsername)
	setIf(&cfg.NAS.MediaLibrary.Password, e.MediaPassword)
	setIf(&cfg.Catalog.DSN, e.CatalogDSN)
	setIf(&cfg.Server.Listen, e.Listen)
	setIf(&cfg.Logging.LogLevel, e.LogLevel)
	setIf(&cfg.Reconcile.LockRedisURL, e.LockRedisURL)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
