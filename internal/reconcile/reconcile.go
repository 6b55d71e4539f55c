// Package reconcile keeps the entity folder hierarchy on the NAS consistent
// with the catalog by detecting and deleting orphaned folders.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/nasgate/internal/nas"
)

// Concurrency bounds for orphan deletion.
const (
	DefaultConcurrency = 4
	MinConcurrency     = 1
	MaxConcurrency     = 8
)

// DefaultReservedNames are never treated as entity folders.
var DefaultReservedNames = []string{"_SUCCESS", "@eaDir", "#recycle", "#snapshot", ".DS_Store", "Thumbs.db"}

// FolderOps is the subset of the file-management client the reconciler
// needs. *nas.Files satisfies it.
type FolderOps interface {
	List(ctx context.Context, dir string) ([]nas.RemoteEntry, error)
	DeleteFolder(ctx context.Context, dir string, recursive bool) (bool, error)
}

// Settings are the reloadable knobs of a Reconciler.
type Settings struct {
	Concurrency   int
	ReservedNames []string
}

// RunOptions tune a single run.
type RunOptions struct {
	// DryRun computes the plan without deleting anything.
	DryRun bool

	// Progress is called once per orphan outcome, possibly concurrently
	// from several workers.
	Progress func(Event)
}

// Reconciler compares folders under a root against expected names and
// deletes the orphans.
type Reconciler struct {
	ops    FolderOps
	logger *slog.Logger

	// nowFunc is injectable for deterministic tests.
	nowFunc func() time.Time

	mu          gosync.RWMutex
	concurrency int
	reserved    map[string]struct{}
}

// New creates a Reconciler. Zero Settings select the defaults.
func New(ops FolderOps, settings Settings, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reconciler{
		ops:     ops,
		logger:  logger,
		nowFunc: time.Now,
	}

	r.Update(settings)

	return r
}

// Update replaces the reloadable settings. Runs in flight keep the
// settings they started with.
func (r *Reconciler) Update(s Settings) {
	n := s.Concurrency
	if n == 0 {
		n = DefaultConcurrency
	}

	n = min(max(n, MinConcurrency), MaxConcurrency)

	names := s.ReservedNames
	if names == nil {
		names = DefaultReservedNames
	}

	reserved := make(map[string]struct{}, len(names))
	for _, name := range names {
		reserved[strings.ToLower(name)] = struct{}{}
	}

	r.mu.Lock()
	r.concurrency = n
	r.reserved = reserved
	r.mu.Unlock()
}

func (r *Reconciler) settings() (int, map[string]struct{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.concurrency, r.reserved
}

// Reconcile lists root, deletes every folder whose name is not in expected
// and returns the plan. Only a failure to list root is returned as an
// error; individual deletion failures are recorded in the plan (see
// Plan.Err).
func (r *Reconciler) Reconcile(ctx context.Context, root string, expected []string) (*Plan, error) {
	return r.Run(ctx, root, expected, RunOptions{})
}

// Run is Reconcile with per-run options.
func (r *Reconciler) Run(ctx context.Context, root string, expected []string, opts RunOptions) (*Plan, error) {
	concurrency, reserved := r.settings()
	root = nas.CleanPath(root)

	plan := &Plan{
		Root:      root,
		DryRun:    opts.DryRun,
		StartedAt: r.nowFunc(),
		Orphans:   []string{},
		Deleted:   []string{},
		Failed:    []Failure{},
	}

	want := make(map[string]struct{}, len(expected))
	for _, name := range expected {
		if name != "" {
			want[name] = struct{}{}
		}
	}

	plan.Expected = len(want)

	entries, err := r.ops.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing %s: %w", root, err)
	}

	plan.Scanned = len(entries)

	var orphans []nas.RemoteEntry

	for _, e := range entries {
		if !e.IsDir || isIgnored(e.Name, reserved) {
			plan.Ignored++
			continue
		}

		if _, ok := want[e.Name]; !ok {
			orphans = append(orphans, e)
			plan.Orphans = append(plan.Orphans, e.Name)
		}
	}

	r.logger.Info("reconcile: plan computed",
		slog.String("root", root),
		slog.Int("scanned", plan.Scanned),
		slog.Int("ignored", plan.Ignored),
		slog.Int("expected", plan.Expected),
		slog.Int("orphans", len(orphans)),
		slog.Bool("dry_run", opts.DryRun),
	)

	if opts.DryRun {
		for _, o := range orphans {
			emit(opts.Progress, Event{Name: o.Name, Path: o.Path, Outcome: OutcomeDryRun})
		}
	} else {
		r.deleteOrphans(ctx, orphans, concurrency, plan, opts.Progress)
	}

	sort.Strings(plan.Deleted)
	sort.Slice(plan.Failed, func(i, j int) bool { return plan.Failed[i].Name < plan.Failed[j].Name })

	plan.FinishedAt = r.nowFunc()

	r.logger.Info("reconcile: run finished",
		slog.String("root", root),
		slog.Int("deleted", len(plan.Deleted)),
		slog.Int("failed", len(plan.Failed)),
		slog.Duration("elapsed", plan.FinishedAt.Sub(plan.StartedAt)),
	)

	return plan, nil
}

// deleteOrphans deletes every orphan through a bounded pool. A failure
// never cancels its siblings.
func (r *Reconciler) deleteOrphans(
	ctx context.Context, orphans []nas.RemoteEntry, concurrency int, plan *Plan, progress func(Event),
) {
	var (
		g  errgroup.Group
		mu gosync.Mutex
	)

	g.SetLimit(concurrency)

	for i := range orphans {
		o := orphans[i]
		g.Go(func() error {
			ev := Event{Name: o.Name, Path: o.Path}

			var (
				removed bool
				err     error
			)

			if err = ctx.Err(); err == nil {
				removed, err = r.ops.DeleteFolder(ctx, o.Path, true)
			}

			mu.Lock()

			switch {
			case err != nil:
				ev.Outcome = OutcomeFailed
				ev.Error = err.Error()
				plan.Failed = append(plan.Failed, Failure{Name: o.Name, Path: o.Path, Error: err.Error(), Err: err})
			case !removed:
				ev.Outcome = OutcomeAlreadyGone
				plan.Deleted = append(plan.Deleted, o.Name)
			default:
				ev.Outcome = OutcomeDeleted
				plan.Deleted = append(plan.Deleted, o.Name)
			}

			mu.Unlock()

			if err != nil {
				r.logger.Warn("reconcile: orphan deletion failed",
					slog.String("path", o.Path),
					slog.String("error", err.Error()),
				)
			} else {
				r.logger.Debug("reconcile: orphan removed",
					slog.String("path", o.Path),
					slog.String("outcome", ev.Outcome),
				)
			}

			emit(progress, ev)

			return nil
		})
	}

	_ = g.Wait() // workers never return errors
}

func emit(progress func(Event), ev Event) {
	if progress != nil {
		progress(ev)
	}
}

// isIgnored reports reserved names (case-insensitive) and hidden or system
// names.
func isIgnored(name string, reserved map[string]struct{}) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "@") || strings.HasPrefix(name, "#") {
		return true
	}

	_, ok := reserved[strings.ToLower(name)]

	return ok
}
