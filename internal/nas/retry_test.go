package nas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/nasgate/internal/nas/nastest"
)

func TestWithSession_RetriesOnceAfterRejection(t *testing.T) {
	srv := nastest.New(t)
	srv.Mkdir("/share")
	srv.InjectFault("SYNO.FileStation.List", nil, nastest.Fault{Status: http.StatusUnauthorized}, 1)

	files, _ := newTestFiles(t, srv)

	_, err := files.List(context.Background(), "/share")
	require.NoError(t, err)

	assert.Equal(t, 2, srv.Logins())
	assert.Equal(t, 2, srv.Calls("SYNO.FileStation.List"))
}

func TestWithSession_RecoversFromExpiredRemoteSession(t *testing.T) {
	srv := nastest.New(t)
	srv.Mkdir("/share")

	files, _ := newTestFiles(t, srv)

	_, err := files.List(context.Background(), "/share")
	require.NoError(t, err)

	srv.ExpireSessions()

	_, err = files.List(context.Background(), "/share")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Logins())
}

func TestWithSession_SecondRejectionIsAuthFailure(t *testing.T) {
	srv := nastest.New(t)
	srv.Mkdir("/share")
	srv.InjectFault("SYNO.FileStation.List", nil, nastest.Fault{Status: http.StatusUnauthorized}, 2)

	files, _ := newTestFiles(t, srv)

	_, err := files.List(context.Background(), "/share")
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
	assert.Equal(t, 2, srv.Logins(), "exactly one re-authentication")
	assert.Equal(t, 2, srv.Calls("SYNO.FileStation.List"))
}

func TestWithSession_OtherErrorsAreNotRetried(t *testing.T) {
	srv := nastest.New(t)
	srv.Mkdir("/share")
	srv.InjectFault("SYNO.FileStation.List", nil, nastest.Fault{Status: http.StatusBadGateway}, 1)

	files, _ := newTestFiles(t, srv)

	_, err := files.List(context.Background(), "/share")
	assert.True(t, errors.Is(err, ErrTransientUpstream))
	assert.Equal(t, 1, srv.Logins())
	assert.Equal(t, 1, srv.Calls("SYNO.FileStation.List"))
}

func TestWithSession_GenericResult(t *testing.T) {
	srv := nastest.New(t)
	m := newTestManager(t, srv, SessionManagerOptions{})

	calls := 0

	got, err := WithSession(context.Background(), m, FamilyMediaLibrary, func(_ context.Context, s *Session) (string, error) {
		calls++
		if calls == 1 {
			return "", &APIError{API: apiMediaItem, Method: "get", Err: ErrSessionRejected}
		}

		return s.Kind, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Foto", got)
	assert.Equal(t, 2, calls)
}

func TestWithSession_LogsRejectionAttributes(t *testing.T) {
	srv := nastest.New(t)
	srv.Mkdir("/share")
	srv.InjectFault("SYNO.FileStation.List", nil, nastest.Fault{Status: http.StatusUnauthorized}, 2)

	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	client := NewClient(http.DefaultClient, "test-agent", logger)
	resolver := NewResolver(client, time.Second, logger)

	m, err := NewSessionManager(client, resolver, testCredentials(srv.URL), SessionManagerOptions{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })

	_, err = NewFiles(m, logger).List(context.Background(), "/share")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	msgs := map[string]map[string]any{}

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))

		if msg, _ := rec["msg"].(string); strings.HasPrefix(msg, "session rejected") {
			msgs[msg] = rec
		}
	}

	for _, msg := range []string{"session rejected, re-authenticating", "session rejected again after re-authentication"} {
		rec, ok := msgs[msg]
		require.True(t, ok, msg)
		assert.Equal(t, FamilyFileManagement.String(), rec["family"], msg)
		assert.NotEmpty(t, rec["error"], msg)
	}
}
