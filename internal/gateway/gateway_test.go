package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/nasgate/internal/catalog"
	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/nas/nastest"
	"github.com/tonimelisma/nasgate/internal/proxy"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

const testRoot = "/catalog/entities"

type testEnv struct {
	srv   *nastest.Server
	store *catalog.SQLStore
	gw    *Gateway
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	srv := nastest.New(t)

	client := nas.NewClient(http.DefaultClient, "test-agent", slog.Default())
	resolver := nas.NewResolver(client, time.Second, slog.Default())

	creds := []nas.Credential{
		{
			Family:            nas.FamilyFileManagement,
			BaseURLCandidates: []string{srv.URL},
			Username:          nastest.DefaultUsername,
			Secret:            nastest.DefaultPassword,
			SessionKind:       "FileStation",
		},
		{
			Family:            nas.FamilyMediaLibrary,
			BaseURLCandidates: []string{srv.URL},
			Username:          nastest.DefaultUsername,
			Secret:            nastest.DefaultPassword,
			SessionKind:       "Foto",
		},
	}

	sessions, err := nas.NewSessionManager(client, resolver, creds, nas.SessionManagerOptions{}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close(context.Background()) })

	store, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"), catalog.Options{}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files := nas.NewFiles(sessions, slog.Default())
	rec := reconcile.New(files, reconcile.Settings{}, slog.Default())
	px := proxy.New(sessions, proxy.Options{}, slog.Default())

	if opts.EntityRoot == "" {
		opts.EntityRoot = testRoot
	}

	return &testEnv{
		srv:   srv,
		store: store,
		gw:    New(files, px, rec, store, opts, slog.Default()),
	}
}

func TestCreateEntity_CreatesFolder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	e, err := env.gw.CreateEntity(context.Background(), "Spring shoot")
	require.NoError(t, err)

	assert.Equal(t, testRoot+"/"+e.ID, env.gw.FolderPath(e))
	assert.True(t, env.srv.Exists(env.gw.FolderPath(e)))
}

func TestCreateEntity_RollsBackOnFolderFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.srv.InjectFault("SYNO.FileStation.CreateFolder", nil, nastest.Fault{Code: nastest.CodeNoPermission}, -1)

	ctx := context.Background()

	_, err := env.gw.CreateEntity(ctx, "denied")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nas.ErrPermissionDenied))

	active, err := env.store.ListEntities(ctx, catalog.EntityFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEnsureAndRemoveEntityFolder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	e, err := env.store.CreateEntity(ctx, "lazy")
	require.NoError(t, err)

	dir, created, err := env.gw.EnsureEntityFolder(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, testRoot+"/"+e.FolderName, dir)

	_, created, err = env.gw.EnsureEntityFolder(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, created)

	removed, err := env.gw.RemoveEntityFolder(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, env.srv.Exists(dir))

	removed, err = env.gw.RemoveEntityFolder(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestEnsureEntityFolder_UnknownEntity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	_, _, err := env.gw.EnsureEntityFolder(context.Background(), "missing")
	assert.True(t, errors.Is(err, catalog.ErrEntityNotFound))
	assert.Equal(t, 0, env.srv.Logins())
}

func TestDeleteEntity_RemovesFolder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	e, err := env.gw.CreateEntity(ctx, "gone soon")
	require.NoError(t, err)

	removed, err := env.gw.DeleteEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, env.srv.Exists(env.gw.FolderPath(e)))

	_, _, err = env.gw.EnsureEntityFolder(ctx, e.ID)
	assert.True(t, errors.Is(err, ErrEntityDeleted))
	assert.True(t, errors.Is(err, catalog.ErrEntityNotFound))

	_, err = env.gw.DeleteEntity(ctx, e.ID)
	assert.True(t, errors.Is(err, catalog.ErrEntityNotFound))
}

func TestDeleteEntity_FolderFailureLeavesOrphan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	e, err := env.gw.CreateEntity(ctx, "sticky")
	require.NoError(t, err)

	env.srv.InjectFault("SYNO.FileStation.Delete", nil, nastest.Fault{Code: nastest.CodeFileBusy}, 1)

	removed, err := env.gw.DeleteEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, env.srv.Exists(env.gw.FolderPath(e)))

	plan, err := env.gw.RunOrphanCleanup(ctx, "", CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{e.FolderName}, plan.Deleted)
	assert.False(t, env.srv.Exists(env.gw.FolderPath(e)))
}

func TestUploadEntityFile_RecordsUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	e, err := env.gw.CreateEntity(ctx, "uploads")
	require.NoError(t, err)

	u, err := env.gw.UploadEntityFile(ctx, e.ID, "cover.jpg", bytes.NewReader([]byte("jpeg")), false)
	require.NoError(t, err)

	assert.Equal(t, "cover.jpg", u.FileName)
	assert.Equal(t, env.gw.FolderPath(e)+"/cover.jpg", u.RemotePath)

	data, ok := env.srv.File(u.RemotePath)
	require.True(t, ok)
	assert.Equal(t, "jpeg", string(data))

	uploads, err := env.gw.ListEntityUploads(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, u.ID, uploads[0].ID)

	entries, err := env.gw.BrowseEntityFolder(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cover.jpg", entries[0].Name)
}

func TestUploadEntityFile_ConflictNotRecorded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	e, err := env.gw.CreateEntity(ctx, "dupes")
	require.NoError(t, err)

	_, err = env.gw.UploadEntityFile(ctx, e.ID, "a.jpg", bytes.NewReader([]byte("1")), false)
	require.NoError(t, err)

	_, err = env.gw.UploadEntityFile(ctx, e.ID, "a.jpg", bytes.NewReader([]byte("2")), false)
	assert.True(t, errors.Is(err, nas.ErrAlreadyExists))

	uploads, err := env.gw.ListEntityUploads(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, uploads, 1)
}

func TestBrowseEntityFolder_MissingFolderIsEmpty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	e, err := env.store.CreateEntity(ctx, "no folder yet")
	require.NoError(t, err)

	entries, err := env.gw.BrowseEntityFolder(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunOrphanCleanup_UsesActiveEntities(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()

	keep, err := env.gw.CreateEntity(ctx, "keep")
	require.NoError(t, err)

	dropped, err := env.store.CreateEntity(ctx, "dropped")
	require.NoError(t, err)
	env.srv.Mkdir(testRoot + "/" + dropped.FolderName)
	require.NoError(t, env.store.DeleteEntity(ctx, dropped.ID))

	env.srv.Mkdir(testRoot + "/stray")
	env.srv.Mkdir(testRoot + "/@eaDir")
	env.srv.PutFile(testRoot+"/_SUCCESS", nil)

	plan, err := env.gw.RunOrphanCleanup(ctx, "", CleanupOptions{})
	require.NoError(t, err)
	require.NoError(t, plan.Err())

	assert.ElementsMatch(t, []string{dropped.FolderName, "stray"}, plan.Deleted)
	assert.True(t, env.srv.Exists(env.gw.FolderPath(keep)))
	assert.True(t, env.srv.Exists(testRoot+"/@eaDir"))
	assert.True(t, env.srv.Exists(testRoot+"/_SUCCESS"))
}

func TestRunOrphanCleanup_DryRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.srv.Mkdir(testRoot + "/stray")

	var events []reconcile.Event

	plan, err := env.gw.RunOrphanCleanup(context.Background(), testRoot, CleanupOptions{
		DryRun:   true,
		Progress: func(ev reconcile.Event) { events = append(events, ev) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"stray"}, plan.Orphans)
	assert.Empty(t, plan.Deleted)
	assert.Len(t, events, 1)
	assert.True(t, env.srv.Exists(testRoot+"/stray"))
}

func TestRunOrphanCleanup_LockHeld(t *testing.T) {
	t.Parallel()

	locker := NewMemoryLocker()
	env := newTestEnv(t, Options{Locker: locker})
	env.srv.Mkdir(testRoot)

	release, err := locker.TryLock(context.Background(), "nasgate:cleanup:"+testRoot)
	require.NoError(t, err)

	_, err = env.gw.RunOrphanCleanup(context.Background(), "", CleanupOptions{})
	assert.True(t, errors.Is(err, ErrCleanupRunning))

	require.NoError(t, release(context.Background()))

	_, err = env.gw.RunOrphanCleanup(context.Background(), "", CleanupOptions{})
	assert.NoError(t, err)
}

func TestRunOrphanCleanup_RejectsRootOutsideEntityRoot(t *testing.T) {
	t.Parallel()

	obs := &recordingCleanupObserver{}
	env := newTestEnv(t, Options{Observer: obs})

	e, err := env.gw.CreateEntity(context.Background(), "Kept")
	require.NoError(t, err)

	folder := env.gw.FolderPath(e)
	env.srv.PutFile("/photo/2024/a.jpg", []byte("jpeg"))

	lists := env.srv.Calls("SYNO.FileStation.List")

	for _, root := range []string{"/", "/catalog", "/photo", folder} {
		plan, err := env.gw.RunOrphanCleanup(context.Background(), root, CleanupOptions{})
		require.ErrorIs(t, err, ErrInvalidCleanupRoot, root)
		assert.Nil(t, plan, root)
	}

	assert.True(t, env.srv.Exists(folder))
	assert.True(t, env.srv.Exists("/photo/2024/a.jpg"))
	assert.Zero(t, env.srv.Calls("SYNO.FileStation.Delete"))
	assert.Equal(t, lists, env.srv.Calls("SYNO.FileStation.List"), "rejected before scanning")
	assert.Zero(t, obs.plans+obs.errs)
}

func TestCleanupRoot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	for _, root := range []string{"", testRoot, testRoot + "/", "/catalog//entities", "catalog/entities"} {
		got, err := env.gw.CleanupRoot(root)
		require.NoError(t, err, root)
		assert.Equal(t, testRoot, got, root)
	}

	_, err := env.gw.CleanupRoot("/catalog/entities/../other")
	assert.ErrorIs(t, err, ErrInvalidCleanupRoot)
}

type recordingCleanupObserver struct {
	plans int
	errs  int
}

func (o *recordingCleanupObserver) ObserveCleanup(plan *reconcile.Plan, err error, _ time.Duration) {
	if err != nil {
		o.errs++
		return
	}

	if plan != nil {
		o.plans++
	}
}

func TestRunOrphanCleanup_Observed(t *testing.T) {
	t.Parallel()

	obs := &recordingCleanupObserver{}
	env := newTestEnv(t, Options{Observer: obs})

	env.srv.Mkdir(testRoot)
	env.srv.InjectFault("SYNO.FileStation.List", nil, nastest.Fault{Code: nastest.CodeNoPermission}, 1)

	_, err := env.gw.RunOrphanCleanup(context.Background(), "", CleanupOptions{})
	require.Error(t, err)

	_, err = env.gw.RunOrphanCleanup(context.Background(), "", CleanupOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, obs.plans)
	assert.Equal(t, 1, obs.errs)
}

func TestRunScheduledCleanup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.srv.Mkdir(testRoot + "/stray")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- env.gw.RunScheduledCleanup(ctx, func() time.Duration { return 10 * time.Millisecond })
	}()

	require.Eventually(t, func() bool {
		return !env.srv.Exists(testRoot + "/stray")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestResolveMediaStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.srv.PutFile("/photos/a.jpg", []byte("img"))

	st, err := env.gw.ResolveMediaStream(context.Background(), proxy.PathRef("/photos/a.jpg", proxy.VariantFull))
	require.NoError(t, err)

	defer st.Body.Close()

	data, err := io.ReadAll(st.Body)
	require.NoError(t, err)
	assert.Equal(t, "img", string(data))
}
