// Package server exposes the gateway over HTTP: media streaming, entity
// folders and uploads, orphan cleanup (plain and over a websocket) and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/nasgate/internal/catalog"
	"github.com/tonimelisma/nasgate/internal/gateway"
	"github.com/tonimelisma/nasgate/internal/metrics"
	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/proxy"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

// Defaults for zero Options fields.
const (
	DefaultMaxUploadSize   = 2 << 30
	DefaultShutdownTimeout = 30 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Gateway is the application boundary the HTTP surface drives.
// *gateway.Gateway satisfies it.
type Gateway interface {
	ResolveMediaStream(ctx context.Context, ref proxy.Ref) (*proxy.Stream, error)

	ListEntities(ctx context.Context, filter catalog.EntityFilter) ([]catalog.Entity, error)
	GetEntity(ctx context.Context, entityID string) (*catalog.Entity, error)
	CreateEntity(ctx context.Context, name string) (*catalog.Entity, error)
	RenameEntity(ctx context.Context, entityID, name string) error
	DeleteEntity(ctx context.Context, entityID string) (bool, error)

	EnsureEntityFolder(ctx context.Context, entityID string) (string, bool, error)
	RemoveEntityFolder(ctx context.Context, entityID string) (bool, error)
	BrowseEntityFolder(ctx context.Context, entityID string) ([]nas.RemoteEntry, error)
	UploadEntityFile(ctx context.Context, entityID, filename string, content io.Reader, overwrite bool) (*catalog.Upload, error)
	ListEntityUploads(ctx context.Context, entityID string) ([]catalog.Upload, error)

	CleanupRoot(root string) (string, error)
	RunOrphanCleanup(ctx context.Context, root string, opts gateway.CleanupOptions) (*reconcile.Plan, error)
}

// Options configures a Server.
type Options struct {
	Listen          string
	MaxUploadSize   int64
	ShutdownTimeout time.Duration
	Metrics         *metrics.Metrics // nil: no /metrics and no request metrics
}

// Server is the HTTP front of the gateway.
type Server struct {
	gw      Gateway
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  chi.Router
}

// New builds the router.
func New(gw Gateway, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		gw:      gw,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logger,
	}

	s.router = s.routes()

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/media", func(r chi.Router) {
		r.Get("/path/*", s.handleMediaByPath)
		r.Get("/id/{id}", s.handleMediaByID)
	})

	r.Route("/entities", func(r chi.Router) {
		r.Get("/", s.handleListEntities)
		r.Post("/", s.handleCreateEntity)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetEntity)
			r.Patch("/", s.handleRenameEntity)
			r.Delete("/", s.handleDeleteEntity)

			r.Put("/folder", s.handleEnsureFolder)
			r.Delete("/folder", s.handleRemoveFolder)

			r.Get("/files", s.handleBrowseFolder)
			r.Post("/files", s.handleUpload)
			r.Get("/uploads", s.handleListUploads)
		})
	})

	r.Route("/maintenance/orphans", func(r chi.Router) {
		r.Post("/", s.handleCleanup)
		r.Get("/ws", s.handleCleanupSocket)
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// instrument logs every request and records it in the metrics, labelled
// by route pattern rather than raw path.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}

		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		}

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Run listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.opts.Listen, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. In-flight requests get
// ShutdownTimeout to finish; streams still open after that are cut.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)

	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serving: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down", slog.Duration("timeout", s.opts.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("server: shutdown: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serving: %w", err)
	}

	return nil
}
