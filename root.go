package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/nasgate/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs after the root pre-run
// phase: the parsed flags, the effective config and a logger built from
// both. Cfg is nil for commands that skip config loading.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Env     config.EnvOverrides
	Logger  *slog.Logger

	// Level backs Logger. It is nil when --verbose or --quiet pinned the
	// level, in which case a config reload must leave it alone.
	Level *slog.LevelVar
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. It
// panics if called from a command that bypassed it.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not set; command bypassed the root PersistentPreRunE")
	}

	return cc
}

// skipConfigCommands lists commands that must work without a loadable
// config. Matched on CommandPath().
var skipConfigCommands = map[string]bool{
	"nasgate config init": true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "nasgate",
		Short: "NAS integration gateway",
		Long: `nasgate fronts a NAS appliance's file-management and media-library web
APIs: it streams media, manages one folder per catalog entity, uploads
files and removes orphaned folders.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc := &CLIContext{Flags: *flags}

			if !skipConfigCommands[cmd.CommandPath()] {
				if err := loadConfig(cc); err != nil {
					return err
				}
			}

			cc.Logger, cc.Level = buildLogger(cc.Cfg, cc.Flags, os.Stderr)
			slog.SetDefault(cc.Logger)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newEntityCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores it in cc.
func loadConfig(cc *CLIContext) error {
	env, err := config.ReadEnvOverrides(config.DefaultDotenvPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfg, path, err := config.Resolve(env, config.CLIOverrides{ConfigPath: cc.Flags.ConfigPath})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = cfg
	cc.CfgPath = path
	cc.Env = env

	return nil
}

// parseLevel maps a validated log_level to a slog level.
func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates a logger from the config and CLI flags. The config
// level is the baseline; --verbose and --quiet override it and pin it.
// log_format "auto" picks text on a terminal and JSON otherwise.
func buildLogger(cfg *config.Config, flags CLIFlags, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	pinned := false
	format := "auto"

	if cfg != nil {
		level.Set(parseLevel(cfg.Logging.LogLevel))
		format = cfg.Logging.LogFormat
	}

	if flags.Verbose {
		level.Set(slog.LevelDebug)
		pinned = true
	}

	if flags.Quiet {
		level.Set(slog.LevelError)
		pinned = true
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if useJSONLogs(format, w) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	if pinned {
		return slog.New(handler), nil
	}

	return slog.New(handler), level
}

func useJSONLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
