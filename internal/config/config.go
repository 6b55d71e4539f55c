// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for nasgate. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// Credentials are read once at startup and never replaced by a reload.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	NAS       NASConfig       `toml:"nas"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// NASConfig describes how to reach and log into the appliance. Endpoints
// are candidate base URLs in preference order; a family section may
// replace them and the account for that family only.
type NASConfig struct {
	Endpoints      []string     `toml:"endpoints"`
	Username       string       `toml:"username"`
	Password       string       `toml:"password"`
	SessionTTL     string       `toml:"session_ttl"`
	LoginTimeout   string       `toml:"login_timeout"`
	ProbeTimeout   string       `toml:"probe_timeout"`
	FileManagement FamilyConfig `toml:"file_management"`
	MediaLibrary   FamilyConfig `toml:"media_library"`
}

// FamilyConfig overrides the shared NAS settings for one API family.
// Empty fields inherit from [nas].
type FamilyConfig struct {
	Enabled     bool     `toml:"enabled"`
	Endpoints   []string `toml:"endpoints"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
	SessionKind string   `toml:"session_kind"`
}

// CatalogConfig selects the catalog database and how entity folders are
// named on the appliance.
type CatalogConfig struct {
	DSN          string `toml:"dsn"`
	FolderNaming string `toml:"folder_naming"`
	EntityRoot   string `toml:"entity_root"`
}

// ReconcileConfig controls orphan folder cleanup.
type ReconcileConfig struct {
	Root          string   `toml:"root"`
	Concurrency   int      `toml:"concurrency"`
	ReservedNames []string `toml:"reserved_names"`
	Interval      string   `toml:"interval"`
	LockRedisURL  string   `toml:"lock_redis_url"`
	LockTTL       string   `toml:"lock_ttl"`
}

// ProxyConfig controls media streaming.
type ProxyConfig struct {
	ThumbnailSize      string `toml:"thumbnail_size"`
	MediaThumbnailSize string `toml:"media_thumbnail_size"`
	ImmutableMaxAge    string `toml:"immutable_max_age"`
	VolatileMaxAge     string `toml:"volatile_max_age"`
	LookupCacheSize    int    `toml:"lookup_cache_size"`
	LookupCacheTTL     string `toml:"lookup_cache_ttl"`
}

// ServerConfig controls the HTTP surface started by "serve".
type ServerConfig struct {
	Listen          string `toml:"listen"`
	MaxUploadSize   string `toml:"max_upload_size"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	PIDFile         string `toml:"pid_file"`
}

// LoggingConfig controls log output behavior: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior toward the appliance.
// insecure_skip_verify exists for appliances with self-signed certificates
// on LAN addresses.
type NetworkConfig struct {
	ConnectTimeout     string `toml:"connect_timeout"`
	DataTimeout        string `toml:"data_timeout"`
	UserAgent          string `toml:"user_agent"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Listen     *string // serve --listen
	DryRun     *bool   // cleanup --dry-run
}

// Duration parses a duration field that has already passed Validate. A
// malformed or empty value yields def.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}

	return d
}
