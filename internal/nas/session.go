package nas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session lifetime defaults. The TTL is fixed on our side because the
// remote API does not reliably report one.
const (
	DefaultSessionTTL   = 10 * time.Minute
	DefaultLoginTimeout = 30 * time.Second
)

// ErrManagerClosed is returned by Session after Close.
var ErrManagerClosed = errors.New("nas: session manager closed")

// ErrFamilyNotConfigured is returned for a family without credentials.
var ErrFamilyNotConfigured = errors.New("nas: no credentials configured for family")

// SessionManagerOptions tunes a SessionManager. Zero values select defaults.
type SessionManagerOptions struct {
	TTL          time.Duration
	LoginTimeout time.Duration

	// OnLogin is called once per login exchange with its outcome.
	OnLogin func(family Family, err error)
}

// SessionManager owns the per-family session cache. At most one session
// per family is cached; concurrent callers that find no valid session share
// a single in-flight login. It is created at startup, injected into every
// consumer and torn down with Close.
type SessionManager struct {
	client       *Client
	resolver     *Resolver
	creds        map[Family]*Credential
	ttl          time.Duration
	loginTimeout time.Duration
	onLogin      func(Family, error)
	logger       *slog.Logger

	// nowFunc is injectable for deterministic expiry tests.
	nowFunc func() time.Time

	flights singleflight.Group

	mu       gosync.Mutex
	sessions map[Family]*Session
	closed   bool
}

// NewSessionManager creates a manager for the given credentials, one per
// family.
func NewSessionManager(
	client *Client, resolver *Resolver, creds []Credential, opts SessionManagerOptions, logger *slog.Logger,
) (*SessionManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	byFamily := make(map[Family]*Credential, len(creds))

	for i := range creds {
		c := creds[i]
		if !c.Family.Valid() {
			return nil, fmt.Errorf("nas: unknown family %q", c.Family)
		}

		if _, dup := byFamily[c.Family]; dup {
			return nil, fmt.Errorf("nas: duplicate credentials for family %q", c.Family)
		}

		byFamily[c.Family] = &c
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}

	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = DefaultLoginTimeout
	}

	return &SessionManager{
		client:       client,
		resolver:     resolver,
		creds:        byFamily,
		ttl:          opts.TTL,
		loginTimeout: opts.LoginTimeout,
		onLogin:      opts.OnLogin,
		logger:       logger,
		nowFunc:      time.Now,
		sessions:     make(map[Family]*Session),
	}, nil
}

// Session returns a valid session for family, logging in if the cached one
// is missing, expired or invalidated. A valid cached session is returned
// without any network call.
func (m *SessionManager) Session(ctx context.Context, family Family) (*Session, error) {
	cred, ok := m.creds[family]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrFamilyNotConfigured, family)
	}

	s, err := m.cached(family)
	if err != nil {
		return nil, err
	}

	if s != nil {
		return s, nil
	}

	// The shared login must not die with whichever caller started it, so it
	// runs detached; each waiter still honours its own context.
	loginCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(string(family), func() (any, error) {
		return m.authenticate(loginCtx, cred)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("nas: waiting for %s session: %w", family, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		sess, _ := res.Val.(*Session)

		return sess, nil
	}
}

// cached returns the cached session if it is still valid.
func (m *SessionManager) cached(family Family) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	s := m.sessions[family]
	if s == nil || !m.nowFunc().Before(s.ExpiresAt()) {
		return nil, nil
	}

	return s, nil
}

// authenticate runs inside the single flight for one family.
func (m *SessionManager) authenticate(ctx context.Context, cred *Credential) (*Session, error) {
	// A flight started right after another one completed finds its result.
	if s, err := m.cached(cred.Family); err != nil || s != nil {
		return s, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	defer cancel()

	m.mu.Lock()
	expired := m.sessions[cred.Family]
	m.mu.Unlock()

	// Expired on our clock only; release it so the remote never holds two
	// live sessions of this kind for us.
	if expired != nil {
		m.client.logout(ctx, expired)

		m.mu.Lock()
		if m.sessions[cred.Family] == expired {
			delete(m.sessions, cred.Family)
		}
		m.mu.Unlock()
	}

	endpoint, err := m.resolver.Resolve(ctx, cred.BaseURLCandidates)
	if err != nil {
		m.observeLogin(cred.Family, err)
		return nil, err
	}

	token, err := m.client.login(ctx, endpoint, cred)
	if err != nil {
		m.observeLogin(cred.Family, err)

		if !errors.Is(err, ErrAuthenticationFailed) {
			err = errors.Join(ErrAuthenticationFailed, err)
		}

		return nil, err
	}

	s := &Session{
		Family:   cred.Family,
		Endpoint: endpoint,
		Token:    token,
		Kind:     cred.SessionKind,
		IssuedAt: m.nowFunc(),
		TTL:      m.ttl,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.client.logout(ctx, s)

		return nil, ErrManagerClosed
	}

	m.sessions[cred.Family] = s
	m.mu.Unlock()

	m.observeLogin(cred.Family, nil)
	m.logger.Info("session established",
		slog.String("family", cred.Family.String()),
		slog.String("endpoint", endpoint),
		slog.Time("expires_at", s.ExpiresAt()),
	)

	return s, nil
}

func (m *SessionManager) observeLogin(family Family, err error) {
	if err != nil {
		m.logger.Warn("login failed",
			slog.String("family", family.String()),
			slog.String("error", err.Error()),
		)
	}

	if m.onLogin != nil {
		m.onLogin(family, err)
	}
}

// Invalidate discards the cached session for family regardless of its TTL,
// so the next Session call re-authenticates (and re-resolves the endpoint).
func (m *SessionManager) Invalidate(family Family) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[family]; ok {
		delete(m.sessions, family)
		m.logger.Info("session invalidated", slog.String("family", family.String()))
	}
}

// InvalidateSession discards s only if it is still the cached session for
// its family. A caller holding a stale session therefore never discards a
// session another caller has just established. Reports whether anything
// was discarded.
func (m *SessionManager) InvalidateSession(s *Session) bool {
	if s == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.Family] != s {
		return false
	}

	delete(m.sessions, s.Family)
	m.logger.Info("session invalidated after rejection", slog.String("family", s.Family.String()))

	return true
}

// CurrentEndpoint returns the endpoint of the valid cached session for
// family, if any.
func (m *SessionManager) CurrentEndpoint(family Family) (string, bool) {
	s, err := m.cached(family)
	if err != nil || s == nil {
		return "", false
	}

	return s.Endpoint, true
}

// CurrentToken returns the token of the valid cached session for family,
// if any.
func (m *SessionManager) CurrentToken(family Family) (string, bool) {
	s, err := m.cached(family)
	if err != nil || s == nil {
		return "", false
	}

	return s.Token, true
}

// Client returns the web API client sessions are used with.
func (m *SessionManager) Client() *Client {
	return m.client
}

// Close logs out every cached session. Subsequent Session calls fail with
// ErrManagerClosed.
func (m *SessionManager) Close(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))

	for _, s := range m.sessions {
		live = append(live, s)
	}

	m.sessions = make(map[Family]*Session)
	m.closed = true
	m.mu.Unlock()

	for _, s := range live {
		m.client.logout(ctx, s)
	}
}
