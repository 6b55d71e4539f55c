package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/nasgate/internal/catalog"
	"github.com/tonimelisma/nasgate/internal/gateway"
	"github.com/tonimelisma/nasgate/internal/metrics"
	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/nas/nastest"
	"github.com/tonimelisma/nasgate/internal/proxy"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

const testRoot = "/catalog/entities"

type testEnv struct {
	nas     *nastest.Server
	gw      *gateway.Gateway
	metrics *metrics.Metrics
	http    *httptest.Server
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

	m := metrics.New()

	sessions, err := nas.NewSessionManager(client, resolver, creds, nas.SessionManagerOptions{OnLogin: m.ObserveLogin}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close(context.Background()) })

	store, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"), catalog.Options{}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files := nas.NewFiles(sessions, slog.Default())
	rec := reconcile.New(files, reconcile.Settings{}, slog.Default())
	px := proxy.New(sessions, proxy.Options{Observer: m}, slog.Default())
	gw := gateway.New(files, px, rec, store, gateway.Options{EntityRoot: testRoot, Observer: m}, slog.Default())

	opts.Metrics = m
	hs := httptest.NewServer(New(gw, opts, slog.Default()).Handler())
	t.Cleanup(hs.Close)

	return &testEnv{nas: srv, gw: gw, metrics: m, http: hs}
}

func (env *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, env.http.URL+path, body)
	require.NoError(t, err)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func (env *testEnv) createEntity(t *testing.T, name string) catalog.Entity {
	t.Helper()

	resp := env.do(t, http.MethodPost, "/entities", strings.NewReader(`{"name":"`+name+`"}`), "application/json")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	return decode[catalog.Entity](t, resp)
}

func multipartBody(t *testing.T, files map[string]string) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))

	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)

		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}

	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	resp := env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMediaByPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.nas.PutFile("/photos/2024/a.jpg", []byte("jpeg-bytes"))

	resp := env.do(t, http.MethodGet, "/media/path/photos/2024/a.jpg", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(body))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	thumb := env.do(t, http.MethodGet, "/media/path/photos/2024/a.jpg?variant=thumbnail", nil, "")
	require.Equal(t, http.StatusOK, thumb.StatusCode)

	body, err = io.ReadAll(thumb.Body)
	require.NoError(t, err)
	assert.Equal(t, string(nastest.ThumbnailBody("/photos/2024/a.jpg", nas.ThumbLarge)), string(body))
}

func TestMediaByPath_MissingIsOpaque404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	resp := env.do(t, http.MethodGet, "/media/path/nope.jpg", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Cache-Control"))
	assert.Equal(t, mediaUnavailable, decode[errorBody](t, resp).Error)
}

func TestMediaByID_ThumbnailETag(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.nas.AddMediaItem(7, "a.jpg", "ck7", []byte("original"))

	resp := env.do(t, http.MethodGet, "/media/id/7?variant=thumbnail", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, env.http.URL+"/media/id/7?variant=thumbnail", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)

	again, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer again.Body.Close()

	assert.Equal(t, http.StatusNotModified, again.StatusCode)
}

func TestMediaByID_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	for _, p := range []string{"/media/id/abc", "/media/id/0", "/media/id/7?variant=huge"} {
		resp := env.do(t, http.MethodGet, p, nil, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, p)
		assert.Equal(t, mediaUnavailable, decode[errorBody](t, resp).Error, p)
	}

	assert.Equal(t, 0, env.nas.Logins())
}

func TestMediaByID_AuthFailureIs502(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.nas.AddMediaItem(7, "a.jpg", "ck7", []byte("original"))
	env.nas.InjectFault("SYNO.Foto.Download", nil, nastest.Fault{Status: http.StatusUnauthorized}, -1)

	resp := env.do(t, http.MethodGet, "/media/id/7", nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, mediaUnavailable, decode[errorBody](t, resp).Error)
}

func TestEntityLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	e := env.createEntity(t, "Spring shoot")
	assert.True(t, env.nas.Exists(testRoot+"/"+e.FolderName))

	resp := env.do(t, http.MethodPatch, "/entities/"+e.ID, strings.NewReader(`{"name":"Summer"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Summer", decode[catalog.Entity](t, resp).Name)

	list := decode[[]catalog.Entity](t, env.do(t, http.MethodGet, "/entities?prefix=Sum", nil, ""))
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].ID)

	resp = env.do(t, http.MethodDelete, "/entities/"+e.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[removedResponse](t, resp).FolderRemoved)
	assert.False(t, env.nas.Exists(testRoot+"/"+e.FolderName))

	resp = env.do(t, http.MethodPut, "/entities/"+e.ID+"/folder", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	all := decode[[]catalog.Entity](t, env.do(t, http.MethodGet, "/entities?include_deleted=true", nil, ""))
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].DeletedAt)
}

func TestCreateEntity_BadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	resp := env.do(t, http.MethodPost, "/entities", strings.NewReader(`{"name":"  "}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/entities", strings.NewReader(`{"nom":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateEntity_PermissionDenied(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.nas.InjectFault("SYNO.FileStation.CreateFolder", nil, nastest.Fault{Code: nastest.CodeNoPermission}, -1)

	resp := env.do(t, http.MethodPost, "/entities", strings.NewReader(`{"name":"x"}`), "application/json")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEntityFolderEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	e := env.createEntity(t, "folders")

	resp := env.do(t, http.MethodDelete, "/entities/"+e.ID+"/folder", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[removedResponse](t, resp).FolderRemoved)

	resp = env.do(t, http.MethodPut, "/entities/"+e.ID+"/folder", nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, folderResponse{Path: testRoot + "/" + e.FolderName, Created: true}, decode[folderResponse](t, resp))

	resp = env.do(t, http.MethodPut, "/entities/"+e.ID+"/folder", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/entities/missing/files", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	e := env.createEntity(t, "uploads")

	body, ct := multipartBody(t, map[string]string{`C:\Users\me\cover.jpg`: "jpeg"})

	resp := env.do(t, http.MethodPost, "/entities/"+e.ID+"/files", body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	uploads := decode[[]catalog.Upload](t, resp)
	require.Len(t, uploads, 1)
	assert.Equal(t, "cover.jpg", uploads[0].FileName)

	data, ok := env.nas.File(testRoot + "/" + e.FolderName + "/cover.jpg")
	require.True(t, ok)
	assert.Equal(t, "jpeg", string(data))

	files := decode[[]entryResponse](t, env.do(t, http.MethodGet, "/entities/"+e.ID+"/files", nil, ""))
	require.Len(t, files, 1)
	assert.Equal(t, "cover.jpg", files[0].Name)

	recorded := decode[[]catalog.Upload](t, env.do(t, http.MethodGet, "/entities/"+e.ID+"/uploads", nil, ""))
	assert.Len(t, recorded, 1)

	body, ct = multipartBody(t, map[string]string{"cover.jpg": "again"})
	resp = env.do(t, http.MethodPost, "/entities/"+e.ID+"/files", body, ct)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body, ct = multipartBody(t, map[string]string{"cover.jpg": "again"})
	resp = env.do(t, http.MethodPost, "/entities/"+e.ID+"/files?overwrite=true", body, ct)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUpload_Rejections(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MaxUploadSize: 1024})
	e := env.createEntity(t, "limits")

	resp := env.do(t, http.MethodPost, "/entities/"+e.ID+"/files", strings.NewReader("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct := multipartBody(t, nil)
	resp = env.do(t, http.MethodPost, "/entities/"+e.ID+"/files", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = multipartBody(t, map[string]string{"big.bin": strings.Repeat("x", 4096)})
	resp = env.do(t, http.MethodPost, "/entities/"+e.ID+"/files", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	keep := env.createEntity(t, "keep")
	env.nas.Mkdir(testRoot + "/stray")
	env.nas.Mkdir(testRoot + "/@eaDir")

	resp := env.do(t, http.MethodPost, "/maintenance/orphans?dry_run=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	plan := decode[reconcile.Plan](t, resp)
	assert.True(t, plan.DryRun)
	assert.Equal(t, []string{"stray"}, plan.Orphans)
	assert.True(t, env.nas.Exists(testRoot+"/stray"))

	resp = env.do(t, http.MethodPost, "/maintenance/orphans", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	plan = decode[reconcile.Plan](t, resp)
	assert.Equal(t, []string{"stray"}, plan.Deleted)
	assert.False(t, env.nas.Exists(testRoot+"/stray"))
	assert.True(t, env.nas.Exists(testRoot+"/"+keep.FolderName))
	assert.True(t, env.nas.Exists(testRoot+"/@eaDir"))

	resp = env.do(t, http.MethodPost, "/maintenance/orphans?dry_run=maybe", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCleanup_RootOutsideEntityRoot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	keep := env.createEntity(t, "keep")
	env.nas.PutFile("/photo/a.jpg", []byte("jpeg"))

	for _, root := range []string{"/", "/catalog", "/photo"} {
		resp := env.do(t, http.MethodPost, "/maintenance/orphans?root="+root, nil, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, root)
	}

	assert.True(t, env.nas.Exists(testRoot+"/"+keep.FolderName))
	assert.True(t, env.nas.Exists("/photo/a.jpg"))
	assert.Zero(t, env.nas.Calls("SYNO.FileStation.Delete"))

	resp := env.do(t, http.MethodPost, "/maintenance/orphans?root="+testRoot+"/", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.nas.Exists(testRoot+"/"+keep.FolderName))
}

func TestCleanupSocket_RootOutsideEntityRoot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	keep := env.createEntity(t, "keep")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/maintenance/orphans/ws?root=/"

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if conn != nil {
		conn.CloseNow()
	}

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, env.nas.Exists(testRoot+"/"+keep.FolderName))
	assert.Zero(t, env.nas.Calls("SYNO.FileStation.Delete"))
}

func TestCleanupSocket(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.nas.Mkdir(testRoot + "/a")
	env.nas.Mkdir(testRoot + "/b")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/maintenance/orphans/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var (
		events []reconcile.Event
		plan   *reconcile.Plan
	)

	for plan == nil {
		var msg cleanupMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))

		switch msg.Type {
		case messageEvent:
			events = append(events, *msg.Event)
		case messagePlan:
			plan = msg.Plan
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	assert.Len(t, events, 2)
	assert.Equal(t, []string{"a", "b"}, plan.Deleted)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.nas.PutFile("/a.jpg", []byte("data"))

	env.do(t, http.MethodGet, "/media/path/a.jpg", nil, "")

	resp := env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `route="/media/path/*"`)
	assert.Contains(t, string(body), `nasgate_media_streams_total{kind="path",outcome="ok",variant="full"} 1`)
	assert.Contains(t, string(body), `nasgate_logins_total{family="file_management",result="ok"} 1`)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{catalog.ErrEntityNotFound, http.StatusNotFound},
		{gateway.ErrEntityDeleted, http.StatusNotFound},
		{nas.ErrNotFound, http.StatusNotFound},
		{nas.ErrPermissionDenied, http.StatusForbidden},
		{nas.ErrAlreadyExists, http.StatusConflict},
		{gateway.ErrCleanupRunning, http.StatusConflict},
		{nas.ErrAuthenticationFailed, http.StatusBadGateway},
		{nas.ErrTransientUpstream, http.StatusBadGateway},
		{&proxy.Error{Status: http.StatusBadGateway}, http.StatusBadGateway},
		{nas.ErrEndpointUnreachable, http.StatusServiceUnavailable},
		{proxy.ErrInvalidRef, http.StatusBadRequest},
		{catalog.ErrInvalidName, http.StatusBadRequest},
		{gateway.ErrInvalidCleanupRoot, http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	t.Parallel()

	s := New(nil, Options{ShutdownTimeout: time.Second}, slog.Default())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
