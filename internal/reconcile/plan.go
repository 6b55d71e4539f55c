package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// ErrPartialFailure is wrapped by PartialFailureError.
var ErrPartialFailure = errors.New("reconcile: partial failure")

// Outcomes reported per orphan.
const (
	OutcomeDeleted     = "deleted"
	OutcomeAlreadyGone = "already_gone"
	OutcomeFailed      = "failed"
	OutcomeDryRun      = "dry_run"
)

// Failure is one orphan that could not be deleted.
type Failure struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// Plan is the result of one reconciliation run. It is built fresh per run
// and never persisted.
type Plan struct {
	Root       string    `json:"root"`
	DryRun     bool      `json:"dry_run"`
	Scanned    int       `json:"scanned"`  // entries listed under root
	Ignored    int       `json:"ignored"`  // files, reserved and hidden names
	Expected   int       `json:"expected"` // distinct expected folder names
	Orphans    []string  `json:"orphans"`
	Deleted    []string  `json:"deleted"`
	Failed     []Failure `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Err returns a *PartialFailureError when any deletion failed, nil
// otherwise. Partial success is still a completed run.
func (p *Plan) Err() error {
	if len(p.Failed) == 0 {
		return nil
	}

	return &PartialFailureError{Root: p.Root, Attempted: len(p.Orphans), Failed: p.Failed}
}

// PartialFailureError reports the orphans whose deletion failed.
type PartialFailureError struct {
	Root      string
	Attempted int
	Failed    []Failure
}

func (e *PartialFailureError) Error() string {
	msg := fmt.Sprintf("reconcile: %d of %d orphan deletions under %s failed", len(e.Failed), e.Attempted, e.Root)
	if len(e.Failed) > 0 {
		msg += fmt.Sprintf(" (first: %s: %s)", e.Failed[0].Name, e.Failed[0].Error)
	}

	return msg
}

// Unwrap exposes ErrPartialFailure and every individual cause.
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	errs = append(errs, ErrPartialFailure)

	for _, f := range e.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}

	return errs
}

// Event is emitted once per orphan outcome.
type Event struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}
