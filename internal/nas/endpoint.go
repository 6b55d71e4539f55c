package nas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds a single liveness probe.
const DefaultProbeTimeout = 5 * time.Second

// ProbeError records why one candidate endpoint was rejected.
type ProbeError struct {
	Endpoint string
	Err      error
}

// UnreachableError is returned when no candidate endpoint answered. It
// carries every per-candidate failure for diagnostics.
type UnreachableError struct {
	Attempts []ProbeError
}

func (e *UnreachableError) Error() string {
	if len(e.Attempts) == 0 {
		return "nas: no endpoint reachable: no candidates configured"
	}

	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Endpoint, a.Err))
	}

	return "nas: no endpoint reachable: " + strings.Join(parts, "; ")
}

func (e *UnreachableError) Unwrap() error {
	return ErrEndpointUnreachable
}

// Resolver picks the first live base URL from an ordered candidate list.
type Resolver struct {
	client       *Client
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewResolver creates a Resolver. A non-positive probeTimeout selects
// DefaultProbeTimeout.
func NewResolver(client *Client, probeTimeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}

	return &Resolver{
		client:       client,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Resolve probes candidates strictly in order, each under its own
// timeout, and returns the first that answers the info call with a
// well-formed success envelope. Each candidate is tried at most once.
func (r *Resolver) Resolve(ctx context.Context, candidates []string) (string, error) {
	unreachable := &UnreachableError{}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("nas: endpoint resolution canceled: %w", err)
		}

		err := r.probe(ctx, candidate)
		if err == nil {
			r.logger.Info("endpoint selected",
				slog.String("endpoint", candidate),
				slog.Int("rejected", len(unreachable.Attempts)),
			)

			return candidate, nil
		}

		// The caller gave up; a parent cancellation is not the candidate's fault.
		if ctx.Err() != nil {
			return "", fmt.Errorf("nas: endpoint resolution canceled: %w", ctx.Err())
		}

		r.logger.Warn("endpoint probe failed",
			slog.String("endpoint", candidate),
			slog.String("error", err.Error()),
		)

		unreachable.Attempts = append(unreachable.Attempts, ProbeError{Endpoint: candidate, Err: err})
	}

	return "", unreachable
}

// probe performs one bounded liveness call.
func (r *Resolver) probe(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("invalid base URL")
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	var info map[string]struct {
		Path       string `json:"path"`
		MaxVersion int    `json:"maxVersion"`
	}

	req := request{
		cgi:     cgiQuery,
		api:     apiInfo,
		version: 1,
		method:  "query",
		params:  url.Values{"query": {apiAuth}},
	}

	if err := r.client.call(probeCtx, endpoint, "", req, &info); err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("probe timed out after %s", r.probeTimeout)
		}

		return err
	}

	if _, ok := info[apiAuth]; !ok {
		return errors.New("info response does not describe the auth API")
	}

	return nil
}
