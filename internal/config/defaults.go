package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultSessionTTL         = "10m"
	defaultLoginTimeout       = "30s"
	defaultProbeTimeout       = "5s"
	defaultFileSessionKind    = "FileStation"
	defaultMediaSessionKind   = "Foto"
	defaultFolderNaming       = FolderNamingID
	defaultEntityRoot         = "/catalog/entities"
	defaultReconcileWorkers   = 4
	defaultReconcileInterval  = "0"
	defaultLockTTL            = "10m"
	defaultThumbnailSize      = "medium"
	defaultMediaThumbnailSize = "xl"
	defaultImmutableMaxAge    = "8760h"
	defaultVolatileMaxAge     = "5m"
	defaultLookupCacheSize    = 4096
	defaultLookupCacheTTL     = "10m"
	defaultListen             = "127.0.0.1:8080"
	defaultMaxUploadSize      = "2GiB"
	defaultShutdownTimeout    = "30s"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
)

// Folder naming schemes for catalog.folder_naming.
const (
	FolderNamingID   = "id"
	FolderNamingName = "name"
)

// DefaultReservedNames are never treated as orphans: appliance bookkeeping
// folders and job markers. Matching is case-insensitive.
var DefaultReservedNames = []string{
	"_SUCCESS",
	"@eaDir",
	"#recycle",
	"#snapshot",
	".DS_Store",
	"Thumbs.db",
}

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		NAS:       defaultNASConfig(),
		Catalog:   defaultCatalogConfig(),
		Reconcile: defaultReconcileConfig(),
		Proxy:     defaultProxyConfig(),
		Server:    defaultServerConfig(),
		Logging:   defaultLoggingConfig(),
		Network:   defaultNetworkConfig(),
	}
}

func defaultNASConfig() NASConfig {
	return NASConfig{
		SessionTTL:   defaultSessionTTL,
		LoginTimeout: defaultLoginTimeout,
		ProbeTimeout: defaultProbeTimeout,
		FileManagement: FamilyConfig{
			Enabled:     true,
			SessionKind: defaultFileSessionKind,
		},
		MediaLibrary: FamilyConfig{
			Enabled:     true,
			SessionKind: defaultMediaSessionKind,
		},
	}
}

func defaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		DSN:          DefaultCatalogPath(),
		FolderNaming: defaultFolderNaming,
		EntityRoot:   defaultEntityRoot,
	}
}

func defaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Concurrency:   defaultReconcileWorkers,
		ReservedNames: append([]string(nil), DefaultReservedNames...),
		Interval:      defaultReconcileInterval,
		LockTTL:       defaultLockTTL,
	}
}

func defaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		ThumbnailSize:      defaultThumbnailSize,
		MediaThumbnailSize: defaultMediaThumbnailSize,
		ImmutableMaxAge:    defaultImmutableMaxAge,
		VolatileMaxAge:     defaultVolatileMaxAge,
		LookupCacheSize:    defaultLookupCacheSize,
		LookupCacheTTL:     defaultLookupCacheTTL,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          defaultListen,
		MaxUploadSize:   defaultMaxUploadSize,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
