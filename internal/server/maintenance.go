package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/nasgate/internal/gateway"
	"github.com/tonimelisma/nasgate/internal/reconcile"
)

const socketWriteTimeout = 10 * time.Second

// Socket message types.
const (
	messageEvent = "event"
	messagePlan  = "plan"
	messageError = "error"
)

// cleanupMessage is one frame on the cleanup websocket.
type cleanupMessage struct {
	Type  string           `json:"type"`
	Event *reconcile.Event `json:"event,omitempty"`
	Plan  *reconcile.Plan  `json:"plan,omitempty"`
	Error string           `json:"error,omitempty"`
}

func cleanupRequest(r *http.Request) (string, gateway.CleanupOptions, error) {
	dryRun, err := boolQuery(r, "dry_run")
	if err != nil {
		return "", gateway.CleanupOptions{}, err
	}

	return r.URL.Query().Get("root"), gateway.CleanupOptions{DryRun: dryRun}, nil
}

// handleCleanup runs orphan cleanup and answers with the plan. Partial
// failures still answer 200; the plan lists them.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	root, opts, err := cleanupRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	plan, err := s.gw.RunOrphanCleanup(r.Context(), root, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, plan)
}

// handleCleanupSocket runs orphan cleanup and reports each orphan outcome
// as it happens, then the plan, over a websocket.
func (s *Server) handleCleanupSocket(w http.ResponseWriter, r *http.Request) {
	root, opts, err := cleanupRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.gw.CleanupRoot(root); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("cleanup socket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Reads drive control frames; a client close cancels the run.
	ctx := conn.CloseRead(r.Context())

	var mu sync.Mutex

	send := func(msg cleanupMessage) error {
		mu.Lock()
		defer mu.Unlock()

		wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
		defer cancel()

		return wsjson.Write(wctx, conn, msg)
	}

	opts.Progress = func(ev reconcile.Event) {
		if err := send(cleanupMessage{Type: messageEvent, Event: &ev}); err != nil {
			s.logger.Debug("cleanup socket write failed", slog.String("error", err.Error()))
		}
	}

	plan, err := s.gw.RunOrphanCleanup(ctx, root, opts)
	if err != nil {
		status := websocket.StatusInternalError
		if errors.Is(err, gateway.ErrCleanupRunning) {
			status = websocket.StatusTryAgainLater
		}

		_ = send(cleanupMessage{Type: messageError, Error: err.Error()})
		_ = conn.Close(status, "cleanup failed")

		return
	}

	if err := send(cleanupMessage{Type: messagePlan, Plan: plan}); err != nil {
		s.logger.Debug("cleanup socket write failed", slog.String("error", err.Error()))
		return
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
}
