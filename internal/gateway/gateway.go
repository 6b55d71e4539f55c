// Package gateway is the boundary the rest of the application uses to reach
// the NAS: media streaming, entity folder lifecycle, uploads recorded in the
// catalog, and orphan cleanup.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tonimelisma/nasgate/internal/catalog"
	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/proxy"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

// DefaultEntityRoot is where entity folders live when none is configured.
const DefaultEntityRoot = "/catalog/entities"

// ErrEntityDeleted is returned for folder operations on a soft-deleted
// entity.
var ErrEntityDeleted = fmt.Errorf("%w: entity is deleted", catalog.ErrEntityNotFound)

// ErrInvalidCleanupRoot is returned when orphan cleanup is asked to scan
// anything but the entity root. Expected names are entity folder names,
// which only mean something directly under the entity root.
var ErrInvalidCleanupRoot = errors.New("gateway: cleanup root must be the entity root")

// FileOps is the file-management surface the gateway needs. *nas.Files
// satisfies it.
type FileOps interface {
	reconcile.FolderOps
	CreateFolder(ctx context.Context, dir string) (bool, error)
	Upload(ctx context.Context, dir, filename string, content io.Reader, overwrite bool) (*nas.RemoteDescriptor, error)
}

// Streamer opens media streams. *proxy.Proxy satisfies it.
type Streamer interface {
	Stream(ctx context.Context, ref proxy.Ref) (*proxy.Stream, error)
}

// CleanupObserver receives the outcome of every cleanup run.
type CleanupObserver interface {
	ObserveCleanup(plan *reconcile.Plan, err error, elapsed time.Duration)
}

// Options configures a Gateway.
type Options struct {
	EntityRoot string
	Locker     Locker // nil: process-local lock
	Observer   CleanupObserver
}

// CleanupOptions tune one orphan cleanup run.
type CleanupOptions struct {
	DryRun   bool
	Progress func(reconcile.Event)
}

// Gateway ties the catalog to the NAS.
type Gateway struct {
	files      FileOps
	streamer   Streamer
	reconciler *reconcile.Reconciler
	store      catalog.Store
	locker     Locker
	observer   CleanupObserver
	entityRoot string
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// New creates a Gateway.
func New(
	files FileOps, streamer Streamer, reconciler *reconcile.Reconciler, store catalog.Store,
	opts Options, logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.EntityRoot == "" {
		opts.EntityRoot = DefaultEntityRoot
	}

	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}

	return &Gateway{
		files:      files,
		streamer:   streamer,
		reconciler: reconciler,
		store:      store,
		locker:     opts.Locker,
		observer:   opts.Observer,
		entityRoot: nas.CleanPath(opts.EntityRoot),
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// EntityRoot returns the folder holding every entity folder.
func (g *Gateway) EntityRoot() string {
	return g.entityRoot
}

// FolderPath returns the NAS folder of an entity.
func (g *Gateway) FolderPath(e *catalog.Entity) string {
	return nas.JoinPath(g.entityRoot, e.FolderName)
}

// ResolveMediaStream opens a media stream for ref.
func (g *Gateway) ResolveMediaStream(ctx context.Context, ref proxy.Ref) (*proxy.Stream, error) {
	return g.streamer.Stream(ctx, ref)
}

func (g *Gateway) activeEntity(ctx context.Context, id string) (*catalog.Entity, error) {
	e, err := g.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	if !e.Active() {
		return nil, fmt.Errorf("%w: %s", ErrEntityDeleted, id)
	}

	return e, nil
}

// EnsureEntityFolder creates the folder of an active entity if missing.
func (g *Gateway) EnsureEntityFolder(ctx context.Context, entityID string) (string, bool, error) {
	e, err := g.activeEntity(ctx, entityID)
	if err != nil {
		return "", false, err
	}

	dir := g.FolderPath(e)

	created, err := g.files.CreateFolder(ctx, dir)
	if err != nil {
		return dir, false, fmt.Errorf("gateway: creating folder for entity %s: %w", entityID, err)
	}

	return dir, created, nil
}

// RemoveEntityFolder deletes an entity's folder and its content. A folder
// that is already gone reports false with no error. Works for deleted
// entities too.
func (g *Gateway) RemoveEntityFolder(ctx context.Context, entityID string) (bool, error) {
	e, err := g.store.GetEntity(ctx, entityID)
	if err != nil {
		return false, err
	}

	removed, err := g.files.DeleteFolder(ctx, g.FolderPath(e), true)
	if err != nil {
		return false, fmt.Errorf("gateway: removing folder for entity %s: %w", entityID, err)
	}

	return removed, nil
}

// CreateEntity adds an entity to the catalog and creates its folder. If
// the folder cannot be created the entity is deleted again.
func (g *Gateway) CreateEntity(ctx context.Context, name string) (*catalog.Entity, error) {
	e, err := g.store.CreateEntity(ctx, name)
	if err != nil {
		return nil, err
	}

	if _, err := g.files.CreateFolder(ctx, g.FolderPath(e)); err != nil {
		if delErr := g.store.DeleteEntity(context.WithoutCancel(ctx), e.ID); delErr != nil {
			g.logger.Error("rolling back entity after folder failure",
				slog.String("entity_id", e.ID),
				slog.String("error", delErr.Error()),
			)
		}

		return nil, fmt.Errorf("gateway: creating folder for new entity: %w", err)
	}

	g.logger.Info("entity created",
		slog.String("entity_id", e.ID),
		slog.String("folder", g.FolderPath(e)),
	)

	return e, nil
}

// DeleteEntity soft-deletes an entity and removes its folder. The catalog
// is authoritative: when the folder delete fails the entity stays deleted
// and the folder is left for the next orphan cleanup, reported as
// removed=false.
func (g *Gateway) DeleteEntity(ctx context.Context, entityID string) (bool, error) {
	e, err := g.activeEntity(ctx, entityID)
	if err != nil {
		return false, err
	}

	if err := g.store.DeleteEntity(ctx, entityID); err != nil {
		return false, err
	}

	removed, err := g.files.DeleteFolder(ctx, g.FolderPath(e), true)
	if err != nil {
		g.logger.Warn("entity folder left for orphan cleanup",
			slog.String("entity_id", entityID),
			slog.String("folder", g.FolderPath(e)),
			slog.String("error", err.Error()),
		)

		return false, nil
	}

	return removed, nil
}

// ListEntities lists catalog entities.
func (g *Gateway) ListEntities(ctx context.Context, filter catalog.EntityFilter) ([]catalog.Entity, error) {
	return g.store.ListEntities(ctx, filter)
}

// GetEntity returns one catalog entity.
func (g *Gateway) GetEntity(ctx context.Context, entityID string) (*catalog.Entity, error) {
	return g.store.GetEntity(ctx, entityID)
}

// RenameEntity changes an entity's display name; its folder stays put.
func (g *Gateway) RenameEntity(ctx context.Context, entityID, name string) error {
	return g.store.RenameEntity(ctx, entityID, name)
}

// UploadEntityFile streams content into the entity's folder and records
// the upload once the NAS confirmed it.
func (g *Gateway) UploadEntityFile(
	ctx context.Context, entityID, filename string, content io.Reader, overwrite bool,
) (*catalog.Upload, error) {
	e, err := g.activeEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	desc, err := g.files.Upload(ctx, g.FolderPath(e), filename, content, overwrite)
	if err != nil {
		return nil, fmt.Errorf("gateway: uploading %s for entity %s: %w", filename, entityID, err)
	}

	u, err := g.store.RecordUpload(ctx, catalog.Upload{
		EntityID:   e.ID,
		FileName:   desc.Name,
		RemotePath: desc.Path,
		Size:       desc.Size,
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// ListEntityUploads returns the recorded uploads of an entity.
func (g *Gateway) ListEntityUploads(ctx context.Context, entityID string) ([]catalog.Upload, error) {
	if _, err := g.store.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}

	return g.store.ListUploads(ctx, entityID)
}

// BrowseEntityFolder lists the entity's folder. A folder that does not
// exist yet lists as empty.
func (g *Gateway) BrowseEntityFolder(ctx context.Context, entityID string) ([]nas.RemoteEntry, error) {
	e, err := g.activeEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	entries, err := g.files.List(ctx, g.FolderPath(e))
	if errors.Is(err, nas.ErrNotFound) {
		return []nas.RemoteEntry{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("gateway: browsing entity %s: %w", entityID, err)
	}

	return entries, nil
}

// RunOrphanCleanup deletes every folder under the entity root that belongs
// to no active entity. root may be empty or the entity root itself; any
// other folder is refused with ErrInvalidCleanupRoot before the NAS is
// touched. Runs never overlap: a second caller gets ErrCleanupRunning.
func (g *Gateway) RunOrphanCleanup(ctx context.Context, root string, opts CleanupOptions) (*reconcile.Plan, error) {
	root, err := g.CleanupRoot(root)
	if err != nil {
		return nil, err
	}

	start := g.nowFunc()

	plan, err := g.runCleanup(ctx, root, opts)

	if g.observer != nil {
		g.observer.ObserveCleanup(plan, err, g.nowFunc().Sub(start))
	}

	return plan, err
}

// CleanupRoot resolves the root an orphan cleanup would scan, or returns
// ErrInvalidCleanupRoot.
func (g *Gateway) CleanupRoot(root string) (string, error) {
	if root == "" {
		return g.entityRoot, nil
	}

	if clean := nas.CleanPath(root); clean == g.entityRoot {
		return clean, nil
	}

	g.logger.Warn("refusing orphan cleanup outside the entity root",
		slog.String("root", root),
		slog.String("entity_root", g.entityRoot),
	)

	return "", fmt.Errorf("%w: got %q, entity root is %q", ErrInvalidCleanupRoot, root, g.entityRoot)
}

func (g *Gateway) runCleanup(ctx context.Context, root string, opts CleanupOptions) (*reconcile.Plan, error) {
	release, err := g.locker.TryLock(ctx, "nasgate:cleanup:"+root)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("releasing cleanup lock", slog.String("error", err.Error()))
		}
	}()

	entities, err := g.store.ListEntities(ctx, catalog.EntityFilter{})
	if err != nil {
		return nil, fmt.Errorf("gateway: loading expected folders: %w", err)
	}

	expected := make([]string, 0, len(entities))
	for i := range entities {
		expected = append(expected, entities[i].FolderName)
	}

	return g.reconciler.Run(ctx, root, expected, reconcile.RunOptions{
		DryRun:   opts.DryRun,
		Progress: opts.Progress,
	})
}

// RunScheduledCleanup runs orphan cleanup on the entity root every
// interval() until ctx is done. interval is re-read after each run so
// reloaded settings apply; zero disables the schedule until it changes.
func (g *Gateway) RunScheduledCleanup(ctx context.Context, interval func() time.Duration) error {
	const idlePoll = time.Minute

	for {
		wait := interval()

		enabled := wait > 0
		if !enabled {
			wait = idlePoll
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if !enabled {
			continue
		}

		plan, err := g.RunOrphanCleanup(ctx, "", CleanupOptions{})

		switch {
		case errors.Is(err, ErrCleanupRunning):
			g.logger.Info("scheduled cleanup skipped, another run holds the lock")
		case err != nil:
			g.logger.Error("scheduled cleanup failed", slog.String("error", err.Error()))
		case plan.Err() != nil:
			g.logger.Warn("scheduled cleanup finished with failures", slog.String("error", plan.Err().Error()))
		}
	}
}
