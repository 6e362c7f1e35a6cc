// Package bootstrap runs the ordered startup phases for YTBot.
//
// A phase initializes one shared resource (lock file, directories, store
// connections, transport identity). Phases execute strictly in order; when a
// phase declared fatal fails, every previously completed phase is rolled back
// in reverse order so no dangling handles survive a failed boot.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSkipPhase is returned by a phase executor to signal the phase is not
// applicable in the current configuration (e.g. an optional integration is
// not configured). A skipped phase never aborts the sequence.
var ErrSkipPhase = errors.New("phase not applicable")

// DefaultRollbackTimeout bounds each individual rollback action. Rollback
// runs while the process is aborting, so it gets its own conservative budget
// independent of whatever timeout the phase itself used.
const DefaultRollbackTimeout = 30 * time.Second

// PhaseStatus describes the lifecycle of one phase within a startup attempt.
type PhaseStatus string

const (
	// PhasePending means the phase has not started yet.
	PhasePending PhaseStatus = "PENDING"
	// PhaseInProgress means the executor is currently running.
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	// PhaseCompleted means the executor returned success.
	PhaseCompleted PhaseStatus = "COMPLETED"
	// PhaseFailed means the executor returned an error.
	PhaseFailed PhaseStatus = "FAILED"
	// PhaseSkipped means the executor signaled the phase is inapplicable.
	PhaseSkipped PhaseStatus = "SKIPPED"
	// PhaseRolledBack means the phase completed but was rolled back after a
	// later fatal failure.
	PhaseRolledBack PhaseStatus = "ROLLED_BACK"
)

// Phase is one ordered startup step. Run performs the initialization;
// Rollback (optional) releases whatever Run acquired. Fatal phases abort the
// whole sequence on failure.
type Phase struct {
	ID       string
	Label    string
	Run      func(ctx context.Context) error
	Rollback func(ctx context.Context) error
	Fatal    bool
}

// PhaseResult is the outcome of executing one phase. It is immutable once
// its status reaches a terminal value.
type PhaseResult struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	Status    PhaseStatus `json:"status"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	EndedAt   time.Time   `json:"ended_at,omitempty"`
}

// OverallStatus summarizes a whole startup attempt.
type OverallStatus string

const (
	// StatusSuccess means every phase completed or was skipped.
	StatusSuccess OverallStatus = "SUCCESS"
	// StatusPartial means at least one non-fatal phase failed but startup continued.
	StatusPartial OverallStatus = "PARTIAL"
	// StatusFailure means a fatal phase failed and completed phases were rolled back.
	StatusFailure OverallStatus = "FAILURE"
)

// Report lists every phase result in execution order plus the overall outcome.
type Report struct {
	Results []PhaseResult `json:"results"`
	Overall OverallStatus `json:"overall"`
	Elapsed time.Duration `json:"elapsed"`
}

// Failed reports whether the startup attempt ended in rollback.
func (r Report) Failed() bool {
	return r.Overall == StatusFailure
}

// Opts holds configuration for the Sequencer.
type Opts struct {
	RollbackTimeout time.Duration
}

// Option defines a configuration option for the Sequencer.
type Option func(*Opts)

// WithRollbackTimeout overrides the per-rollback-action time budget.
func WithRollbackTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RollbackTimeout = d }
}

// Sequencer executes startup phases. Phases are supplied per Run call so
// independent instances (e.g. in tests) never share state.
type Sequencer struct {
	rollbackTimeout time.Duration
}

// NewSequencer creates a Sequencer with the given options.
func NewSequencer(opts ...Option) *Sequencer {
	cfg := Opts{RollbackTimeout: DefaultRollbackTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = DefaultRollbackTimeout
	}
	return &Sequencer{rollbackTimeout: cfg.RollbackTimeout}
}

// completedPhase pairs a finished phase with its position in the result
// slice, forming the rollback stack.
type completedPhase struct {
	phase Phase
	index int
}

// Run executes the phases strictly in order and returns a report covering
// every phase. A fatal-phase failure triggers reverse-order rollback of all
// completed phases and yields StatusFailure; the caller decides whether to
// retry the whole sequence.
func (s *Sequencer) Run(ctx context.Context, phases []Phase) Report {
	start := time.Now()
	results := make([]PhaseResult, len(phases))
	for i, p := range phases {
		results[i] = PhaseResult{ID: p.ID, Label: p.Label, Status: PhasePending}
	}

	slog.Info("Bootstrap starting", "phases", len(phases))

	var completed []completedPhase
	failedNonFatal := false

	for i, p := range phases {
		results[i].Status = PhaseInProgress
		results[i].StartedAt = time.Now()
		slog.Debug("Bootstrap phase starting", "phase", p.ID, "fatal", p.Fatal)

		err := p.Run(ctx)
		results[i].EndedAt = time.Now()

		switch {
		case err == nil:
			results[i].Status = PhaseCompleted
			results[i].Message = "completed"
			completed = append(completed, completedPhase{phase: p, index: i})
			slog.Info("Bootstrap phase completed", "phase", p.ID, "elapsed", results[i].EndedAt.Sub(results[i].StartedAt))

		case errors.Is(err, ErrSkipPhase):
			results[i].Status = PhaseSkipped
			results[i].Message = err.Error()
			slog.Info("Bootstrap phase skipped", "phase", p.ID, "reason", err)

		default:
			results[i].Status = PhaseFailed
			results[i].Error = err.Error()
			results[i].Message = fmt.Sprintf("phase %s failed", p.ID)
			if p.Fatal {
				slog.Error("Bootstrap fatal phase failed, rolling back", "phase", p.ID, "error", err, "completed", len(completed))
				s.rollback(completed, results)
				return Report{Results: results, Overall: StatusFailure, Elapsed: time.Since(start)}
			}
			failedNonFatal = true
			slog.Warn("Bootstrap non-fatal phase failed, continuing degraded", "phase", p.ID, "error", err)
		}
	}

	overall := StatusSuccess
	if failedNonFatal {
		overall = StatusPartial
	}
	slog.Info("Bootstrap finished", "overall", overall, "elapsed", time.Since(start))
	return Report{Results: results, Overall: overall, Elapsed: time.Since(start)}
}

// rollback invokes the rollback function of every completed phase in reverse
// order. Rollback is best-effort: a failing or missing rollback function is
// recorded and does not stop rollback of earlier phases, and never masks the
// original fatal error.
func (s *Sequencer) rollback(completed []completedPhase, results []PhaseResult) {
	for i := len(completed) - 1; i >= 0; i-- {
		cp := completed[i]
		if cp.phase.Rollback != nil {
			rbCtx, cancel := context.WithTimeout(context.Background(), s.rollbackTimeout)
			if err := cp.phase.Rollback(rbCtx); err != nil {
				slog.Error("Bootstrap rollback failed", "phase", cp.phase.ID, "error", err)
				results[cp.index].Message = fmt.Sprintf("rolled back with error: %v", err)
			} else {
				slog.Info("Bootstrap phase rolled back", "phase", cp.phase.ID)
				results[cp.index].Message = "rolled back"
			}
			cancel()
		} else {
			slog.Debug("Bootstrap phase has no rollback, marking only", "phase", cp.phase.ID)
			results[cp.index].Message = "rolled back (no-op)"
		}
		results[cp.index].Status = PhaseRolledBack
	}
}
