package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/nasgate/internal/gateway"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup [root]",
		Short: "Delete folders that belong to no active catalog entity",
		Long: `Compare the folders under the entity root with the active entities in
the catalog and delete every folder that matches none. Reserved names and
names starting with ".", "@" or "#" are never touched. A root argument is
accepted only when it names catalog.entity_root.

With --dry-run the orphans are listed but nothing is deleted. The command
exits non-zero if any deletion failed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCleanup,
	}

	cmd.Flags().Bool("dry-run", false, "list orphans without deleting them")

	return cmd
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	root := ""
	if len(args) > 0 {
		root = args[0]
	} else if cc.Cfg.Reconcile.Root != "" {
		root = cc.Cfg.Reconcile.Root
	}

	a, err := newApp(ctx, cc, appObservers{})
	if err != nil {
		return err
	}
	defer a.Close()

	opts := cleanupOptions(cc, dryRun)

	plan, err := a.gateway.RunOrphanCleanup(ctx, root, opts)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	if cc.Flags.JSON {
		if err := printJSON(cmd.OutOrStdout(), plan); err != nil {
			return err
		}
	} else {
		printPlan(cmd.OutOrStdout(), plan)
	}

	return plan.Err()
}

func cleanupOptions(cc *CLIContext, dryRun bool) gateway.CleanupOptions {
	opts := gateway.CleanupOptions{DryRun: dryRun}

	if !cc.Flags.Quiet && !cc.Flags.JSON {
		opts.Progress = func(ev reconcile.Event) {
			if ev.Error != "" {
				cc.Statusf("  %-12s %s: %s\n", ev.Outcome, ev.Name, ev.Error)
				return
			}

			cc.Statusf("  %-12s %s\n", ev.Outcome, ev.Name)
		}
	}

	return opts
}

// printPlan writes a human-readable summary of a cleanup run.
func printPlan(w io.Writer, plan *reconcile.Plan) {
	mode := ""
	if plan.DryRun {
		mode = " (dry run)"
	}

	fmt.Fprintf(w, "Cleanup of %s%s\n", plan.Root, mode)
	fmt.Fprintf(w, "  scanned %d, ignored %d, expected %d, orphans %d\n",
		plan.Scanned, plan.Ignored, plan.Expected, len(plan.Orphans))

	if plan.DryRun {
		if len(plan.Orphans) > 0 {
			fmt.Fprintf(w, "  would delete: %s\n", strings.Join(plan.Orphans, ", "))
		}

		return
	}

	fmt.Fprintf(w, "  deleted %d, failed %d\n", len(plan.Deleted), len(plan.Failed))

	for _, f := range plan.Failed {
		fmt.Fprintf(w, "  FAILED %s: %s\n", f.Name, f.Error)
	}
}
