package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/nasgate/internal/catalog"
)

func newEntityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Manage catalog entities and their NAS folders",
	}

	cmd.AddCommand(newEntityAddCmd())
	cmd.AddCommand(newEntityLsCmd())
	cmd.AddCommand(newEntityRenameCmd())
	cmd.AddCommand(newEntityRmCmd())
	cmd.AddCommand(newEntityFolderCmd())
	cmd.AddCommand(newEntityUploadsCmd())

	return cmd
}

func newEntityAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "Create an entity and its folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cc *CLIContext, a *app) error {
				e, err := a.gateway.CreateEntity(ctx, args[0])
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(cmd.OutOrStdout(), e)
				}

				fmt.Fprintln(cmd.OutOrStdout(), e.ID)
				cc.Statusf("Created entity %q with folder %s\n", e.Name, a.gateway.FolderPath(e))

				return nil
			})
		},
	}
}

func newEntityLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List entities (catalog only, no NAS access)",
		Args:  cobra.NoArgs,
		RunE:  runEntityLs,
	}

	cmd.Flags().Bool("all", false, "include deleted entities")
	cmd.Flags().String("prefix", "", "only names starting with this prefix")

	return cmd
}

func runEntityLs(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}

	prefix, err := cmd.Flags().GetString("prefix")
	if err != nil {
		return err
	}

	store, err := openCatalog(ctx, cc)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListEntities(ctx, catalog.EntityFilter{IncludeDeleted: all, NamePrefix: prefix})
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if list == nil {
			list = []catalog.Entity{}
		}

		return printJSON(cmd.OutOrStdout(), list)
	}

	printEntitiesTable(cmd.OutOrStdout(), list)

	return nil
}

func printEntitiesTable(w io.Writer, list []catalog.Entity) {
	rows := make([][]string, 0, len(list))

	for i := range list {
		e := &list[i]

		state := "active"
		if !e.Active() {
			state = "deleted"
		}

		rows = append(rows, []string{e.ID, e.Name, e.FolderName, state, e.CreatedAt.Local().Format(time.DateTime)})
	}

	printTable(w, []string{"ID", "NAME", "FOLDER", "STATE", "CREATED"}, rows)
}

func newEntityRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename an entity (its folder keeps its name)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			store, err := openCatalog(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RenameEntity(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			cc.Statusf("Renamed %s to %q\n", args[0], args[1])

			return nil
		},
	}
}

func newEntityRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an entity and its folder",
		Long: `Mark an entity deleted in the catalog and delete its folder. If the
folder cannot be deleted now, the entity is still deleted and the folder
is left for the next orphan cleanup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cc *CLIContext, a *app) error {
				removed, err := a.gateway.DeleteEntity(ctx, args[0])
				if err != nil {
					return err
				}

				if removed {
					cc.Statusf("Deleted entity %s and its folder\n", args[0])
				} else {
					cc.Statusf("Deleted entity %s; folder left for orphan cleanup\n", args[0])
				}

				return nil
			})
		},
	}
}

func newEntityFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder <id>",
		Short: "Ensure an entity's folder exists (or remove it with --remove)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remove, err := cmd.Flags().GetBool("remove")
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, cc *CLIContext, a *app) error {
				if remove {
					removed, err := a.gateway.RemoveEntityFolder(ctx, args[0])
					if err != nil {
						return err
					}

					cc.Statusf("Folder removed: %t\n", removed)

					return nil
				}

				dir, created, err := a.gateway.EnsureEntityFolder(ctx, args[0])
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), dir)
				cc.Statusf("Folder created: %t\n", created)

				return nil
			})
		},
	}

	cmd.Flags().Bool("remove", false, "delete the folder instead of creating it")

	return cmd
}

func newEntityUploadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uploads <id>",
		Short: "List files uploaded for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			store, err := openCatalog(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer store.Close()

			uploads, err := store.ListUploads(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				if uploads == nil {
					uploads = []catalog.Upload{}
				}

				return printJSON(cmd.OutOrStdout(), uploads)
			}

			rows := make([][]string, 0, len(uploads))
			for _, u := range uploads {
				rows = append(rows, []string{u.FileName, formatSize(u.Size), u.UploadedAt.Local().Format(time.DateTime), u.RemotePath})
			}

			printTable(cmd.OutOrStdout(), []string{"FILE", "SIZE", "UPLOADED", "PATH"}, rows)

			return nil
		},
	}
}

// withApp wires the full gateway for one command and tears it down when
// fn returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, a *app) error) error {
	cc := mustCLIContext(cmd.Context())

	a, err := newApp(cmd.Context(), cc, appObservers{})
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), cc, a)
}
