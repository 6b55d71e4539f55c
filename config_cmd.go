package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/nasgate/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	if cc.Cfg == nil {
		return errors.New("no configuration loaded")
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), config.Redacted(cc.Cfg))
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, cmd.OutOrStdout())
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a commented starter config file to --config (or the default
location). The password is not written; supply it through the
NASGATE_NAS_PASSWORD environment variable or the .env file next to the
config.`,
		Args: cobra.NoArgs,
		RunE: runConfigInit,
	}

	cmd.Flags().StringSlice("endpoint", nil, "NAS base URL (repeatable, in preference order)")
	cmd.Flags().String("username", "", "NAS account name")

	return cmd
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	endpoints, err := cmd.Flags().GetStringSlice("endpoint")
	if err != nil {
		return err
	}

	username, err := cmd.Flags().GetString("username")
	if err != nil {
		return err
	}

	path := cc.Flags.ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if path == "" {
		return errors.New("cannot determine config path; pass --config")
	}

	if err := config.WriteTemplate(path, endpoints, username); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	cc.Statusf("Wrote %s\n", path)

	return nil
}
