package nas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// maxSessionAttempts bounds the self-healing retry: the first attempt plus
// exactly one more with a freshly authenticated session.
const maxSessionAttempts = 2

// WithSession runs op with a valid session for family. When op reports a
// session rejection, the session is invalidated and op is run once more
// with a fresh one; a second rejection is surfaced as
// ErrAuthenticationFailed. Every other error is returned untouched.
//
// This is the only place the re-authentication policy is implemented; the
// file operations and the streaming proxy both go through it.
func WithSession[T any](
	ctx context.Context, m *SessionManager, family Family, op func(context.Context, *Session) (T, error),
) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		s, err := m.Session(ctx, family)
		if err != nil {
			return zero, err
		}

		v, err := op(ctx, s)
		if err == nil || !errors.Is(err, ErrSessionRejected) {
			return v, err
		}

		m.InvalidateSession(s)

		if attempt >= maxSessionAttempts {
			m.logger.Error("session rejected again after re-authentication",
				slog.String("family", family.String()),
				slog.String("error", err.Error()),
			)

			return zero, fmt.Errorf("%w: session rejected after re-authentication: %v", ErrAuthenticationFailed, err)
		}

		m.logger.Warn("session rejected, re-authenticating",
			slog.String("family", family.String()),
			slog.String("error", err.Error()),
		)
	}
}
