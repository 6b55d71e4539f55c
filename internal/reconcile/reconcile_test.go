package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/nas/nastest"
)

// fakeOps is an in-memory FolderOps.
type fakeOps struct {
	entries []nas.RemoteEntry
	listErr error

	mu       gosync.Mutex
	deleted  []string
	failures map[string]error
	gone     map[string]bool
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeOps) List(_ context.Context, _ string) ([]nas.RemoteEntry, error) {
	return f.entries, f.listErr
}

func (f *fakeOps) DeleteFolder(_ context.Context, dir string, recursive bool) (bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, dir)

	if !recursive {
		return false, errors.New("expected recursive delete")
	}

	if err := f.failures[dir]; err != nil {
		return false, err
	}

	return !f.gone[dir], nil
}

func dirs(root string, names ...string) []nas.RemoteEntry {
	out := make([]nas.RemoteEntry, 0, len(names))
	for _, n := range names {
		out = append(out, nas.RemoteEntry{Name: n, Path: nas.JoinPath(root, n), IsDir: true, Size: nas.SizeUnknown})
	}

	return out
}

func TestReconcile_OrphanSetAgainstFakeNAS(t *testing.T) {
	t.Parallel()

	srv := nastest.New(t)
	srv.Mkdir("/entities/A")
	srv.Mkdir("/entities/B/sub")
	srv.PutFile("/entities/B/sub/img.jpg", []byte("x"))
	srv.Mkdir("/entities/C")
	srv.PutFile("/entities/marker.txt", []byte("ok"))

	files := newTestFiles(t, srv)
	r := New(files, Settings{}, slog.Default())

	plan, err := r.Reconcile(context.Background(), "/entities", []string{"A", "C"})
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, plan.Orphans)
	assert.Equal(t, []string{"B"}, plan.Deleted)
	assert.Empty(t, plan.Failed)
	assert.Equal(t, 4, plan.Scanned)
	assert.Equal(t, 1, plan.Ignored)
	assert.Equal(t, 2, plan.Expected)
	require.NoError(t, plan.Err())

	assert.False(t, srv.Exists("/entities/B"))
	assert.True(t, srv.Exists("/entities/A"))
	assert.True(t, srv.Exists("/entities/C"))
	assert.True(t, srv.Exists("/entities/marker.txt"))
}

func TestReconcile_PartialFailureAttemptsAll(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		entries: dirs("/root", "o1", "o2", "o3", "o4", "o5", "keep"),
		failures: map[string]error{
			"/root/o3": &nas.APIError{API: "SYNO.FileStation.Delete", Method: "delete", Code: 105, Err: nas.ErrPermissionDenied},
		},
	}

	var (
		mu     gosync.Mutex
		events []Event
	)

	r := New(ops, Settings{Concurrency: 3}, slog.Default())

	plan, err := r.Run(context.Background(), "/root", []string{"keep"}, RunOptions{
		Progress: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Len(t, plan.Orphans, 5)
	assert.Equal(t, []string{"o1", "o2", "o4", "o5"}, plan.Deleted)
	require.Len(t, plan.Failed, 1)
	assert.Equal(t, "o3", plan.Failed[0].Name)
	assert.Len(t, ops.deleted, 5, "every orphan attempted")
	assert.Len(t, events, 5)

	perr := plan.Err()
	require.Error(t, perr)
	assert.True(t, errors.Is(perr, ErrPartialFailure))
	assert.True(t, errors.Is(perr, nas.ErrPermissionDenied))

	var pfe *PartialFailureError
	require.True(t, errors.As(perr, &pfe))
	assert.Equal(t, 5, pfe.Attempted)
	assert.Contains(t, perr.Error(), "1 of 5")
}

func TestReconcile_FiltersReservedAndHidden(t *testing.T) {
	t.Parallel()

	entries := dirs("/root", "_SUCCESS", "@eaDir", "#recycle", ".hidden", "thumbs.db", "orphan", "kept")
	entries = append(entries, nas.RemoteEntry{Name: "notes.txt", Path: "/root/notes.txt"})

	ops := &fakeOps{entries: entries}
	r := New(ops, Settings{}, nil)

	plan, err := r.Reconcile(context.Background(), "/root", []string{"kept"})
	require.NoError(t, err)

	assert.Equal(t, []string{"orphan"}, plan.Orphans)
	assert.Equal(t, 6, plan.Ignored)
	assert.Equal(t, []string{"/root/orphan"}, ops.deleted)
}

func TestReconcile_CustomReservedNames(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{entries: dirs("/root", "lost+found", "_SUCCESS")}
	r := New(ops, Settings{ReservedNames: []string{"LOST+FOUND"}}, nil)

	plan, err := r.Reconcile(context.Background(), "/root", nil)
	require.NoError(t, err)

	// Replacing the list drops the defaults.
	assert.Equal(t, []string{"_SUCCESS"}, plan.Orphans)
}

func TestReconcile_ExactNameMatch(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{entries: dirs("/root", "Alpha", "alpha", "alpha ")}
	r := New(ops, Settings{}, nil)

	plan, err := r.Reconcile(context.Background(), "/root", []string{"alpha"})
	require.NoError(t, err)

	sort.Strings(plan.Orphans)
	assert.Equal(t, []string{"Alpha", "alpha "}, plan.Orphans)
}

func TestReconcile_DryRunDeletesNothing(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{entries: dirs("/root", "a", "b")}
	r := New(ops, Settings{}, nil)

	var events []Event

	plan, err := r.Run(context.Background(), "/root", nil, RunOptions{
		DryRun:   true,
		Progress: func(ev Event) { events = append(events, ev) },
	})
	require.NoError(t, err)

	assert.True(t, plan.DryRun)
	assert.Equal(t, []string{"a", "b"}, plan.Orphans)
	assert.Empty(t, plan.Deleted)
	assert.Empty(t, ops.deleted)
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeDryRun, events[0].Outcome)
}

func TestReconcile_AlreadyGoneCountsAsDeleted(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{entries: dirs("/root", "a"), gone: map[string]bool{"/root/a": true}}
	r := New(ops, Settings{}, nil)

	var got Event

	plan, err := r.Run(context.Background(), "/root", nil, RunOptions{Progress: func(ev Event) { got = ev }})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, plan.Deleted)
	assert.Equal(t, OutcomeAlreadyGone, got.Outcome)
	assert.NoError(t, plan.Err())
}

func TestReconcile_ListFailure(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{listErr: nas.ErrNotFound}
	r := New(ops, Settings{}, nil)

	plan, err := r.Reconcile(context.Background(), "/missing", nil)
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.True(t, errors.Is(err, nas.ErrNotFound))
}

func TestReconcile_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	ops := &fakeOps{entries: dirs("/root", names...), delay: 20 * time.Millisecond}
	r := New(ops, Settings{Concurrency: 2}, nil)

	plan, err := r.Reconcile(context.Background(), "/root", nil)
	require.NoError(t, err)

	assert.Len(t, plan.Deleted, len(names))
	assert.LessOrEqual(t, ops.maxInFlight.Load(), int32(2))
}

func TestReconcile_CanceledContextRecordsFailures(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{entries: dirs("/root", "a", "b")}
	r := New(ops, Settings{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan, err := r.Reconcile(ctx, "/root", nil)
	require.NoError(t, err)

	assert.Len(t, plan.Failed, 2)
	assert.Empty(t, ops.deleted)
	assert.True(t, errors.Is(plan.Err(), context.Canceled))
}

func TestUpdate_ClampsConcurrency(t *testing.T) {
	t.Parallel()

	r := New(&fakeOps{}, Settings{Concurrency: 50}, nil)
	n, _ := r.settings()
	assert.Equal(t, MaxConcurrency, n)

	r.Update(Settings{Concurrency: -3})
	n, _ = r.settings()
	assert.Equal(t, MinConcurrency, n)

	r.Update(Settings{})
	n, reserved := r.settings()
	assert.Equal(t, DefaultConcurrency, n)
	assert.Contains(t, reserved, "@eadir")
}

func newTestFiles(t *testing.T, srv *nastest.Server) *nas.Files {
	t.Helper()

	client := nas.NewClient(http.DefaultClient, "test-agent", slog.Default())
	resolver := nas.NewResolver(client, time.Second, slog.Default())

	m, err := nas.NewSessionManager(client, resolver, []nas.Credential{{
		Family:            nas.FamilyFileManagement,
		BaseURLCandidates: []string{srv.URL},
		Username:          nastest.DefaultUsername,
		Secret:            nastest.DefaultPassword,
		SessionKind:       "FileStation",
	}}, nas.SessionManagerOptions{}, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { m.Close(context.Background()) })

	return nas.NewFiles(m, slog.Default())
}
