package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad endpoint scheme", func(c *Config) { c.NAS.Endpoints = []string{"ftp://nas"} }, "nas.endpoints"},
		{"endpoint without host", func(c *Config) { c.NAS.Endpoints = []string{"https://"} }, "nas.endpoints"},
		{"family endpoint", func(c *Config) { c.NAS.MediaLibrary.Endpoints = []string{"nas"} }, "nas.media_library.endpoints"},
		{"short session ttl", func(c *Config) { c.NAS.SessionTTL = "5s" }, "nas.session_ttl"},
		{"bad login timeout", func(c *Config) { c.NAS.LoginTimeout = "soon" }, "nas.login_timeout"},
		{"empty session kind", func(c *Config) { c.NAS.FileManagement.SessionKind = "" }, "session_kind"},
		{"empty dsn", func(c *Config) { c.Catalog.DSN = "" }, "catalog.dsn"},
		{"folder naming", func(c *Config) { c.Catalog.FolderNaming = "slug" }, "catalog.folder_naming"},
		{"relative entity root", func(c *Config) { c.Catalog.EntityRoot = "entities" }, "catalog.entity_root"},
		{"share root as entity root", func(c *Config) { c.Catalog.EntityRoot = "/" }, "catalog.entity_root"},
		{"zero workers", func(c *Config) { c.Reconcile.Concurrency = 0 }, "reconcile.concurrency"},
		{"too many workers", func(c *Config) { c.Reconcile.Concurrency = 9 }, "reconcile.concurrency"},
		{"relative root", func(c *Config) { c.Reconcile.Root = "x" }, "reconcile.root"},
		{"root above entity root", func(c *Config) { c.Reconcile.Root = "/catalog" }, "reconcile.root"},
		{"share root as cleanup root", func(c *Config) { c.Reconcile.Root = "/" }, "reconcile.root"},
		{"reserved with slash", func(c *Config) { c.Reconcile.ReservedNames = []string{"a/b"} }, "reserved_names"},
		{"short interval", func(c *Config) { c.Reconcile.Interval = "10s" }, "reconcile.interval"},
		{"redis scheme", func(c *Config) { c.Reconcile.LockRedisURL = "http://x" }, "lock_redis_url"},
		{"thumb size", func(c *Config) { c.Proxy.ThumbnailSize = "huge" }, "proxy.thumbnail_size"},
		{"media thumb size", func(c *Config) { c.Proxy.MediaThumbnailSize = "medium" }, "proxy.media_thumbnail_size"},
		{"negative max age", func(c *Config) { c.Proxy.VolatileMaxAge = "-1s" }, "proxy.volatile_max_age"},
		{"cache size", func(c *Config) { c.Proxy.LookupCacheSize = 0 }, "proxy.lookup_cache_size"},
		{"listen", func(c *Config) { c.Server.Listen = "8080" }, "server.listen"},
		{"upload size", func(c *Config) { c.Server.MaxUploadSize = "lots" }, "server.max_upload_size"},
		{"zero upload size", func(c *Config) { c.Server.MaxUploadSize = "0" }, "server.max_upload_size"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"connect timeout", func(c *Config) { c.Network.ConnectTimeout = "1ms" }, "connect_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconcile.Concurrency = 0
	cfg.Logging.LogLevel = "loud"
	cfg.Catalog.FolderNaming = "x"

	err := Validate(cfg)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "reconcile.concurrency")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "catalog.folder_naming")
}

func TestValidate_AcceptsDisabledInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconcile.Interval = "0"
	assert.NoError(t, Validate(cfg))

	cfg.Reconcile.Interval = "24h"
	assert.NoError(t, Validate(cfg))
}

func TestValidateCredentials(t *testing.T) {
	cfg := DefaultConfig()

	err := ValidateCredentials(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nas.file_management: no endpoints")
	assert.Contains(t, err.Error(), "nas.media_library: username is required")
	assert.Contains(t, err.Error(), "NASGATE_NAS_PASSWORD")

	cfg.NAS.Endpoints = []string{"https://nas.lan"}
	cfg.NAS.Username = "u"
	cfg.NAS.Password = "p"
	assert.NoError(t, ValidateCredentials(cfg))

	cfg.NAS.FileManagement.Enabled = false
	cfg.NAS.MediaLibrary.Enabled = false
	assert.ErrorContains(t, ValidateCredentials(cfg), "at least one")
}
