package main

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/nasgate/internal/config"
	"github.com/tonimelisma/nasgate/internal/metrics"
	"github.com/tonimelisma/nasgate/internal/proxy"
	"github.com/tonimelisma/nasgate/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the HTTP gateway until SIGINT or SIGTERM.

The config file is watched and reloaded on change or on SIGHUP. Logging,
proxy cache lifetimes, reconcile settings and the cleanup interval apply
without a restart; everything else is read once at startup.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides server.listen)")
	cmd.Flags().String("pid-file", "", "write the process id to this file (overrides server.pid_file)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen, _ = cmd.Flags().GetString("listen")
	}

	pidFlag, _ := cmd.Flags().GetString("pid-file")

	pid, err := lockPIDFile(resolvePIDPath(pidFlag, cfg))
	if err != nil {
		return err
	}
	defer pid.Release()

	maxUpload, err := config.ParseSize(cfg.Server.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("server.max_upload_size: %w", err)
	}

	ctx := shutdownContext(cmd.Context(), logger)

	m := metrics.New()

	a, err := newApp(ctx, cc, appObservers{
		login:   m.ObserveLogin,
		stream:  m,
		cleanup: m,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	holder := config.NewHolder(cfg, cc.CfgPath)
	watcher := config.NewWatcher(holder, cc.Env, func(next *config.Config) {
		applyReload(cc, a, next)
	}, logger)

	srv := server.New(a.gateway, server.Options{
		Listen:          cfg.Server.Listen,
		MaxUploadSize:   maxUpload,
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout, server.DefaultShutdownTimeout),
		Metrics:         m,
	}, logger)

	logger.Info("starting gateway",
		slog.String("version", version),
		slog.String("listen", cfg.Server.Listen),
		slog.String("entity_root", a.gateway.EntityRoot()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(gctx) })

	g.Go(func() error {
		return a.gateway.RunScheduledCleanup(gctx, func() time.Duration {
			return config.Duration(holder.Config().Reconcile.Interval, 0)
		})
	})

	if _, err := os.Stat(cc.CfgPath); err == nil {
		g.Go(func() error { return watcher.Run(gctx) })
	} else {
		logger.Info("no config file, hot reload disabled", slog.String("path", cc.CfgPath))
	}

	g.Go(func() error {
		reloadOnHangup(gctx, watcher.ReloadNow, logger)
		return nil
	})

	err = g.Wait()

	logger.Info("gateway stopped")

	return err
}

// applyReload pushes the reloadable sections of next into the running
// components.
func applyReload(cc *CLIContext, a *app, next *config.Config) {
	if cc.Level != nil {
		cc.Level.Set(parseLevel(next.Logging.LogLevel))
	}

	a.reconciler.Update(reconcileSettings(&next.Reconcile))
	a.proxy.SetMaxAges(
		config.Duration(next.Proxy.ImmutableMaxAge, proxy.DefaultImmutableMaxAge),
		config.Duration(next.Proxy.VolatileMaxAge, proxy.DefaultVolatileMaxAge),
	)
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running gateway to reload its config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := signalGateway(resolvePIDPath("", cc.Cfg), syscall.SIGHUP); err != nil {
				return err
			}

			cc.Statusf("Reload signal sent.\n")

			return nil
		},
	}
}
