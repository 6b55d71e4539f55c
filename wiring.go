package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tonimelisma/nasgate/internal/catalog"
	"github.com/tonimelisma/nasgate/internal/config"
	"github.com/tonimelisma/nasgate/internal/gateway"
	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/proxy"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

// Fallbacks for duration fields; Validate has already rejected malformed
// values, so these only apply to empty ones.
const (
	fallbackConnectTimeout = 10 * time.Second
	fallbackDataTimeout    = 60 * time.Second
	fallbackSessionTTL     = 10 * time.Minute
	fallbackLoginTimeout   = 30 * time.Second
	fallbackProbeTimeout   = 5 * time.Second
)

// newHTTPClient builds the client used for every appliance call. There is
// no overall timeout because media streams are unbounded; the data timeout
// bounds the wait for response headers instead.
func newHTTPClient(cfg *config.NetworkConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   config.Duration(cfg.ConnectTimeout, fallbackConnectTimeout),
		KeepAlive: 30 * time.Second,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = dialer.Timeout
	transport.ResponseHeaderTimeout = config.Duration(cfg.DataTimeout, fallbackDataTimeout)

	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed LAN appliances
	}

	return &http.Client{Transport: transport}
}

func userAgent(cfg *config.Config) string {
	if cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}

	return "nasgate/" + version
}

// newSessions builds the session manager from the immutable credential
// set. onLogin may be nil.
func newSessions(cc *CLIContext, onLogin func(nas.Family, error)) (*nas.SessionManager, error) {
	cfg := cc.Cfg

	if err := config.ValidateCredentials(cfg); err != nil {
		return nil, fmt.Errorf("nas credentials: %w", err)
	}

	client := nas.NewClient(newHTTPClient(&cfg.Network), userAgent(cfg), cc.Logger)
	resolver := nas.NewResolver(client, config.Duration(cfg.NAS.ProbeTimeout, fallbackProbeTimeout), cc.Logger)

	return nas.NewSessionManager(client, resolver, config.Credentials(cfg), nas.SessionManagerOptions{
		TTL:          config.Duration(cfg.NAS.SessionTTL, fallbackSessionTTL),
		LoginTimeout: config.Duration(cfg.NAS.LoginTimeout, fallbackLoginTimeout),
		OnLogin:      onLogin,
	}, cc.Logger)
}

// closeSessions logs out every cached session, bounded so a dead
// appliance cannot hold up exit.
func closeSessions(sessions *nas.SessionManager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions.Close(ctx)
}

func openCatalog(ctx context.Context, cc *CLIContext) (*catalog.SQLStore, error) {
	return catalog.Open(ctx, cc.Cfg.Catalog.DSN, catalog.Options{
		FolderNaming: cc.Cfg.Catalog.FolderNaming,
	}, cc.Logger)
}

func proxyOptions(cfg *config.ProxyConfig, observer proxy.Observer) proxy.Options {
	return proxy.Options{
		ThumbnailSize:      cfg.ThumbnailSize,
		MediaThumbnailSize: cfg.MediaThumbnailSize,
		ImmutableMaxAge:    config.Duration(cfg.ImmutableMaxAge, proxy.DefaultImmutableMaxAge),
		VolatileMaxAge:     config.Duration(cfg.VolatileMaxAge, proxy.DefaultVolatileMaxAge),
		LookupCacheSize:    cfg.LookupCacheSize,
		LookupCacheTTL:     config.Duration(cfg.LookupCacheTTL, proxy.DefaultLookupCacheTTL),
		Observer:           observer,
	}
}

func reconcileSettings(cfg *config.ReconcileConfig) reconcile.Settings {
	return reconcile.Settings{
		Concurrency:   cfg.Concurrency,
		ReservedNames: cfg.ReservedNames,
	}
}

// newLocker returns the cleanup lock: Redis-backed when a URL is
// configured, process-local otherwise. The returned close func is never
// nil.
func newLocker(ctx context.Context, cfg *config.ReconcileConfig, logger *slog.Logger) (gateway.Locker, func() error, error) {
	if cfg.LockRedisURL == "" {
		return gateway.NewMemoryLocker(), func() error { return nil }, nil
	}

	l, err := gateway.DialRedisLocker(ctx, cfg.LockRedisURL, config.Duration(cfg.LockTTL, gateway.DefaultLockTTL))
	if err != nil {
		return nil, nil, fmt.Errorf("cleanup lock: %w", err)
	}

	logger.Info("using redis cleanup lock")

	return l, l.Close, nil
}

// app is the fully wired gateway shared by "serve", "cleanup" and
// "entity".
type app struct {
	sessions   *nas.SessionManager
	store      *catalog.SQLStore
	files      *nas.Files
	proxy      *proxy.Proxy
	reconciler *reconcile.Reconciler
	gateway    *gateway.Gateway
	closeLock  func() error
}

// appObservers are the optional hooks "serve" attaches for metrics.
type appObservers struct {
	login   func(nas.Family, error)
	stream  proxy.Observer
	cleanup gateway.CleanupObserver
}

func newApp(ctx context.Context, cc *CLIContext, obs appObservers) (*app, error) {
	sessions, err := newSessions(cc, obs.login)
	if err != nil {
		return nil, err
	}

	store, err := openCatalog(ctx, cc)
	if err != nil {
		closeSessions(sessions)
		return nil, err
	}

	locker, closeLock, err := newLocker(ctx, &cc.Cfg.Reconcile, cc.Logger)
	if err != nil {
		_ = store.Close()
		closeSessions(sessions)

		return nil, err
	}

	a := &app{
		sessions:  sessions,
		store:     store,
		files:     nas.NewFiles(sessions, cc.Logger),
		closeLock: closeLock,
	}

	a.proxy = proxy.New(sessions, proxyOptions(&cc.Cfg.Proxy, obs.stream), cc.Logger)
	a.reconciler = reconcile.New(a.files, reconcileSettings(&cc.Cfg.Reconcile), cc.Logger)
	a.gateway = gateway.New(a.files, a.proxy, a.reconciler, store, gateway.Options{
		EntityRoot: cc.Cfg.Catalog.EntityRoot,
		Locker:     locker,
		Observer:   obs.cleanup,
	}, cc.Logger)

	return a, nil
}

func (a *app) Close() {
	if err := a.closeLock(); err != nil {
		slog.Warn("closing cleanup lock", slog.String("error", err.Error()))
	}

	if err := a.store.Close(); err != nil {
		slog.Warn("closing catalog", slog.String("error", err.Error()))
	}

	closeSessions(a.sessions)
}
