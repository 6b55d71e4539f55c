package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"time"
)

// Validation range constants.
const (
	minReconcileWorkers = 1
	maxReconcileWorkers = 8
	minSessionTTL       = 1 * time.Minute
	minLoginTimeout     = 1 * time.Second
	minProbeTimeout     = 100 * time.Millisecond
	minLockTTL          = 10 * time.Second
	minReconcileEvery   = 1 * time.Minute
	minShutdownTimeout  = 1 * time.Second
	minConnectTimeout   = 1 * time.Second
	minDataTimeout      = 5 * time.Second
	minLookupCacheSize  = 1
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateNAS(&cfg.NAS)...)
	errs = append(errs, validateCatalog(&cfg.Catalog)...)
	errs = append(errs, validateReconcile(&cfg.Reconcile)...)
	errs = append(errs, validateCleanupRoot(cfg)...)
	errs = append(errs, validateProxy(&cfg.Proxy)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateCredentials checks that every enabled family can log in. It is
// separate from Validate so that commands which never reach the appliance
// (config show, entity ls) work without credentials.
func ValidateCredentials(cfg *Config) error {
	var errs []error

	if !cfg.NAS.FileManagement.Enabled && !cfg.NAS.MediaLibrary.Enabled {
		errs = append(errs, errors.New("nas: at least one API family must be enabled"))
	}

	families := []struct {
		name string
		fam  *FamilyConfig
	}{
		{"file_management", &cfg.NAS.FileManagement},
		{"media_library", &cfg.NAS.MediaLibrary},
	}

	for _, f := range families {
		if !f.fam.Enabled {
			continue
		}

		if len(firstNonEmpty(f.fam.Endpoints, cfg.NAS.Endpoints)) == 0 {
			errs = append(errs, fmt.Errorf("nas.%s: no endpoints configured (set nas.endpoints or %sNAS_ENDPOINTS)", f.name, EnvPrefix))
		}

		if pick(f.fam.Username, cfg.NAS.Username) == "" {
			errs = append(errs, fmt.Errorf("nas.%s: username is required", f.name))
		}

		if pick(f.fam.Password, cfg.NAS.Password) == "" {
			errs = append(errs, fmt.Errorf("nas.%s: password is required (set %sNAS_PASSWORD)", f.name, EnvPrefix))
		}
	}

	return errors.Join(errs...)
}

func validateNAS(n *NASConfig) []error {
	var errs []error

	for _, ep := range n.Endpoints {
		errs = append(errs, validateEndpoint("nas.endpoints", ep)...)
	}

	for _, ep := range n.FileManagement.Endpoints {
		errs = append(errs, validateEndpoint("nas.file_management.endpoints", ep)...)
	}

	for _, ep := range n.MediaLibrary.Endpoints {
		errs = append(errs, validateEndpoint("nas.media_library.endpoints", ep)...)
	}

	if n.FileManagement.SessionKind == "" {
		errs = append(errs, errors.New("nas.file_management.session_kind: must not be empty"))
	}

	if n.MediaLibrary.SessionKind == "" {
		errs = append(errs, errors.New("nas.media_library.session_kind: must not be empty"))
	}

	errs = append(errs, validateDurationMin("nas.session_ttl", n.SessionTTL, minSessionTTL)...)
	errs = append(errs, validateDurationMin("nas.login_timeout", n.LoginTimeout, minLoginTimeout)...)
	errs = append(errs, validateDurationMin("nas.probe_timeout", n.ProbeTimeout, minProbeTimeout)...)

	return errs
}

func validateEndpoint(field, ep string) []error {
	u, err := url.Parse(ep)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("%s: %q must be an http(s) base URL", field, ep)}
	}

	return nil
}

var validFolderNamings = map[string]bool{
	FolderNamingID:   true,
	FolderNamingName: true,
}

func validateCatalog(c *CatalogConfig) []error {
	var errs []error

	if c.DSN == "" {
		errs = append(errs, errors.New("catalog.dsn: must not be empty"))
	}

	if !validFolderNamings[c.FolderNaming] {
		errs = append(errs, fmt.Errorf("catalog.folder_naming: must be one of id, name; got %q", c.FolderNaming))
	}

	if !strings.HasPrefix(c.EntityRoot, "/") || strings.Trim(c.EntityRoot, "/") == "" {
		errs = append(errs, fmt.Errorf("catalog.entity_root: must be an absolute folder below a share, got %q", c.EntityRoot))
	}

	return errs
}

// validateCleanupRoot rejects a reconcile.root other than the entity root:
// above it the entity root itself would look like an orphan, and inside an
// entity folder its contents would.
func validateCleanupRoot(cfg *Config) []error {
	root := cfg.Reconcile.Root
	if root == "" || !strings.HasPrefix(root, "/") {
		return nil
	}

	if path.Clean(root) != path.Clean(cfg.Catalog.EntityRoot) {
		return []error{fmt.Errorf("reconcile.root: %q must be empty or equal catalog.entity_root %q", root, cfg.Catalog.EntityRoot)}
	}

	return nil
}

func validateReconcile(r *ReconcileConfig) []error {
	var errs []error

	if r.Root != "" && !strings.HasPrefix(r.Root, "/") {
		errs = append(errs, fmt.Errorf("reconcile.root: path %q must start with /", r.Root))
	}

	if r.Concurrency < minReconcileWorkers || r.Concurrency > maxReconcileWorkers {
		errs = append(errs, fmt.Errorf("reconcile.concurrency: must be between %d and %d, got %d",
			minReconcileWorkers, maxReconcileWorkers, r.Concurrency))
	}

	for i, name := range r.ReservedNames {
		if name == "" || strings.Contains(name, "/") {
			errs = append(errs, fmt.Errorf("reconcile.reserved_names[%d]: %q is not a folder name", i, name))
		}
	}

	errs = append(errs, validateDisabledOrMin("reconcile.interval", r.Interval, minReconcileEvery)...)
	errs = append(errs, validateDurationMin("reconcile.lock_ttl", r.LockTTL, minLockTTL)...)

	if r.LockRedisURL != "" {
		if u, err := url.Parse(r.LockRedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, errors.New("reconcile.lock_redis_url: must be a redis:// or rediss:// URL"))
		}
	}

	return errs
}

var validThumbnailSizes = map[string]bool{"small": true, "medium": true, "large": true, "original": true}

var validMediaThumbnailSizes = map[string]bool{"sm": true, "m": true, "xl": true}

func validateProxy(p *ProxyConfig) []error {
	var errs []error

	if !validThumbnailSizes[p.ThumbnailSize] {
		errs = append(errs, fmt.Errorf("proxy.thumbnail_size: must be one of small, medium, large, original; got %q", p.ThumbnailSize))
	}

	if !validMediaThumbnailSizes[p.MediaThumbnailSize] {
		errs = append(errs, fmt.Errorf("proxy.media_thumbnail_size: must be one of sm, m, xl; got %q", p.MediaThumbnailSize))
	}

	if p.LookupCacheSize < minLookupCacheSize {
		errs = append(errs, fmt.Errorf("proxy.lookup_cache_size: must be >= %d, got %d", minLookupCacheSize, p.LookupCacheSize))
	}

	errs = append(errs, validateDurationNonNeg("proxy.immutable_max_age", p.ImmutableMaxAge)...)
	errs = append(errs, validateDurationNonNeg("proxy.volatile_max_age", p.VolatileMaxAge)...)
	errs = append(errs, validateDurationNonNeg("proxy.lookup_cache_ttl", p.LookupCacheTTL)...)

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: %q is not host:port: %w", s.Listen, err))
	}

	if n, err := ParseSize(s.MaxUploadSize); err != nil {
		errs = append(errs, fmt.Errorf("server.max_upload_size: %w", err))
	} else if n == 0 {
		errs = append(errs, errors.New("server.max_upload_size: must be greater than zero"))
	}

	errs = append(errs, validateDurationMin("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

// validateDisabledOrMin accepts "0" (disabled) or a duration >= minimum.
func validateDisabledOrMin(field, value string, minimum time.Duration) []error {
	if value == "0" || value == "" {
		return nil
	}

	return validateDurationMin(field, value, minimum)
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}
