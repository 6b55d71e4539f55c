package nas

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
)

// authVersion is the auth API version that returns the sid in the body.
const authVersion = 6

// login performs the credential exchange for one family against an
// already-resolved endpoint and returns the session token.
func (c *Client) login(ctx context.Context, endpoint string, cred *Credential) (string, error) {
	c.logger.Info("logging in",
		slog.String("family", cred.Family.String()),
		slog.String("session_kind", cred.SessionKind),
		slog.String("endpoint", endpoint),
	)

	req := request{
		cgi:     cgiAuth,
		api:     apiAuth,
		version: authVersion,
		method:  "login",
		params: url.Values{
			"account": {cred.Username},
			"passwd":  {cred.Secret},
			"session": {cred.SessionKind},
			"format":  {"sid"},
		},
	}

	var out struct {
		SID string `json:"sid"`
	}

	if err := c.post(ctx, endpoint, req, &out); err != nil {
		// A session-class code during login still means the login failed.
		if errors.Is(err, ErrSessionRejected) {
			return "", errors.Join(ErrAuthenticationFailed, err)
		}

		return "", err
	}

	if out.SID == "" {
		return "", req.apiError(0, 0, "login response carried no sid", ErrAuthenticationFailed)
	}

	return out.SID, nil
}

// logout ends a session. Failures are only logged: the session is being
// discarded either way.
func (c *Client) logout(ctx context.Context, s *Session) {
	req := request{
		cgi:     cgiAuth,
		api:     apiAuth,
		version: authVersion,
		method:  "logout",
		params:  url.Values{"session": {s.Kind}},
	}

	if err := c.call(ctx, s.Endpoint, s.Token, req, nil); err != nil {
		c.logger.Warn("logout failed",
			slog.String("family", s.Family.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	c.logger.Info("logged out", slog.String("family", s.Family.String()))
}
