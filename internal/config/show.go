package config

import (
	"fmt"
	"io"
	"strings"
)

// redacted replaces secrets in rendered output.
const redacted = "********"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. Passwords
// and the credentials part of the Redis URL are never printed.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	renderNASSection(ew, &cfg.NAS)
	renderCatalogSection(ew, &cfg.Catalog)
	renderReconcileSection(ew, &cfg.Reconcile)
	renderProxySection(ew, &cfg.Proxy)
	renderServerSection(ew, &cfg.Server)
	renderLoggingSection(ew, &cfg.Logging)
	renderNetworkSection(ew, &cfg.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func secret(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}

func renderNASSection(ew *errWriter, n *NASConfig) {
	ew.printf("[nas]\n")
	ew.printf("  endpoints      = [%s]\n", joinQuoted(n.Endpoints))
	ew.printf("  username       = %q\n", n.Username)
	ew.printf("  password       = %q\n", secret(n.Password))
	ew.printf("  session_ttl    = %q\n", n.SessionTTL)
	ew.printf("  login_timeout  = %q\n", n.LoginTimeout)
	ew.printf("  probe_timeout  = %q\n", n.ProbeTimeout)
	ew.printf("\n")

	renderFamily(ew, "file_management", &n.FileManagement)
	renderFamily(ew, "media_library", &n.MediaLibrary)
}

func renderFamily(ew *errWriter, name string, f *FamilyConfig) {
	ew.printf("[nas.%s]\n", name)
	ew.printf("  enabled        = %t\n", f.Enabled)
	ew.printf("  session_kind   = %q\n", f.SessionKind)

	if len(f.Endpoints) > 0 {
		ew.printf("  endpoints      = [%s]\n", joinQuoted(f.Endpoints))
	}

	if f.Username != "" {
		ew.printf("  username       = %q\n", f.Username)
	}

	if f.Password != "" {
		ew.printf("  password       = %q\n", redacted)
	}

	ew.printf("\n")
}

func renderCatalogSection(ew *errWriter, c *CatalogConfig) {
	ew.printf("[catalog]\n")
	ew.printf("  dsn            = %q\n", redactDSN(c.DSN))
	ew.printf("  folder_naming  = %q\n", c.FolderNaming)
	ew.printf("  entity_root    = %q\n", c.EntityRoot)
	ew.printf("\n")
}

func renderReconcileSection(ew *errWriter, r *ReconcileConfig) {
	ew.printf("[reconcile]\n")
	ew.printf("  root           = %q\n", r.Root)
	ew.printf("  concurrency    = %d\n", r.Concurrency)
	ew.printf("  reserved_names = [%s]\n", joinQuoted(r.ReservedNames))
	ew.printf("  interval       = %q\n", r.Interval)
	ew.printf("  lock_ttl       = %q\n", r.LockTTL)

	if r.LockRedisURL != "" {
		ew.printf("  lock_redis_url = %q\n", redactDSN(r.LockRedisURL))
	}

	ew.printf("\n")
}

func renderProxySection(ew *errWriter, p *ProxyConfig) {
	ew.printf("[proxy]\n")
	ew.printf("  thumbnail_size       = %q\n", p.ThumbnailSize)
	ew.printf("  media_thumbnail_size = %q\n", p.MediaThumbnailSize)
	ew.printf("  immutable_max_age    = %q\n", p.ImmutableMaxAge)
	ew.printf("  volatile_max_age     = %q\n", p.VolatileMaxAge)
	ew.printf("  lookup_cache_size    = %d\n", p.LookupCacheSize)
	ew.printf("  lookup_cache_ttl     = %q\n", p.LookupCacheTTL)
	ew.printf("\n")
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("[server]\n")
	ew.printf("  listen           = %q\n", s.Listen)
	ew.printf("  max_upload_size  = %q\n", s.MaxUploadSize)
	ew.printf("  shutdown_timeout = %q\n", s.ShutdownTimeout)

	if s.PIDFile != "" {
		ew.printf("  pid_file         = %q\n", s.PIDFile)
	}

	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout      = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout         = %q\n", n.DataTimeout)
	ew.printf("  insecure_skip_verify = %t\n", n.InsecureSkipVerify)

	if n.UserAgent != "" {
		ew.printf("  user_agent           = %q\n", n.UserAgent)
	}
}

// redactDSN hides the password of a URL-shaped DSN. Plain paths are
// returned unchanged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}

	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}

	user, _, hasPass := strings.Cut(userinfo, ":")
	if !hasPass {
		return dsn
	}

	return scheme + "://" + user + ":" + redacted + "@" + host
}

func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}

// Redacted returns a copy of cfg with passwords and URL credentials
// masked, for machine-readable output.
func Redacted(cfg *Config) *Config {
	out := *cfg

	out.NAS.Password = secret(out.NAS.Password)
	out.NAS.FileManagement.Password = secret(out.NAS.FileManagement.Password)
	out.NAS.MediaLibrary.Password = secret(out.NAS.MediaLibrary.Password)
	out.Catalog.DSN = redactDSN(out.Catalog.DSN)
	out.Reconcile.LockRedisURL = redactDSN(out.Reconcile.LockRedisURL)

	return &out
}
