package nas

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/nasgate/internal/nas/nastest"
)

// fakeClock is a settable clock for session expiry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testCredentials(urls ...string) []Credential {
	return []Credential{
		{
			Family:            FamilyFileManagement,
			BaseURLCandidates: urls,
			Username:          nastest.DefaultUsername,
			Secret:            nastest.DefaultPassword,
			SessionKind:       "FileStation",
		},
		{
			Family:            FamilyMediaLibrary,
			BaseURLCandidates: urls,
			Username:          nastest.DefaultUsername,
			Secret:            nastest.DefaultPassword,
			SessionKind:       "Foto",
		},
	}
}

// newTestManager creates a session manager pointed at srv.
func newTestManager(t *testing.T, srv *nastest.Server, opts SessionManagerOptions) *SessionManager {
	t.Helper()

	client := NewClient(http.DefaultClient, "test-agent", slog.Default())
	resolver := NewResolver(client, time.Second, slog.Default())

	m, err := NewSessionManager(client, resolver, testCredentials(srv.URL), opts, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { m.Close(context.Background()) })

	return m
}

func newTestFiles(t *testing.T, srv *nastest.Server) (*Files, *SessionManager) {
	t.Helper()

	m := newTestManager(t, srv, SessionManagerOptions{})

	return NewFiles(m, slog.Default()), m
}
