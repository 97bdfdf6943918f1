package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DirectorySyncer refreshes profiles and groups from an external directory.
type DirectorySyncer interface {
	Sync(ctx context.Context) (DirectorySyncResult, error)
}

// DirectorySyncResult summarises a directory sync.
type DirectorySyncResult struct {
	Ran     bool   `json:"ran"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Synced  int    `json:"synced,omitempty"`
}

// BatchRequest are the knobs of one batch run.
type BatchRequest struct {
	Limit            *int
	RunDirectorySync bool
}

// BatchSummary is the per-component outcome of a run. A component that
// failed, or was skipped because its input failed, is nil and listed in
// FailedComponents or SkippedComponents.
type BatchSummary struct {
	Limit             int                      `json:"limit"`
	StartedAt         time.Time                `json:"startedAt"`
	FinishedAt        time.Time                `json:"finishedAt"`
	DirectorySync     *DirectorySyncResult     `json:"directorySync,omitempty"`
	SLA               *SLAScanResult           `json:"sla,omitempty"`
	EscalationSeed    *EscalationSeedResult    `json:"escalationSeed,omitempty"`
	EscalationAdvance *EscalationAdvanceResult `json:"escalationAdvance,omitempty"`
	AutoCloseResolved *AutoCloseResult         `json:"autoCloseResolved,omitempty"`
	AutoClosePending  *AutoCloseResult         `json:"autoClosePending,omitempty"`
	FailedComponents  []string                 `json:"failedComponents,omitempty"`
	SkippedComponents []string                 `json:"skippedComponents,omitempty"`
}

// ComponentError reports a component that failed as a whole.
type ComponentError struct {
	Component string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// BatchError collects every component failure of one run.
type BatchError struct {
	Failures []*ComponentError
}

func (e *BatchError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Components returns the names of the failed components in run order.
func (e *BatchError) Components() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Component)
	}
	return names
}

const componentDirectorySync = "directory_sync"

// BatchRunner executes the automation components in their fixed order.
type BatchRunner struct {
	sla          *SLAScanner
	seeder       *EscalationSeeder
	advancer     *EscalationAdvancer
	closer       *AutoCloser
	directory    DirectorySyncer
	defaultLimit int
	maxLimit     int
	logger       *zap.Logger
	now          func() time.Time
}

// BatchRunnerOptions wires the runner. Directory may be nil.
type BatchRunnerOptions struct {
	SLA          *SLAScanner
	Seeder       *EscalationSeeder
	Advancer     *EscalationAdvancer
	Closer       *AutoCloser
	Directory    DirectorySyncer
	DefaultLimit int
	MaxLimit     int
	Logger       *zap.Logger
	Now          func() time.Time
}

// NewBatchRunner builds the runner.
func NewBatchRunner(opts BatchRunnerOptions) *BatchRunner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BatchRunner{
		sla:          opts.SLA,
		seeder:       opts.Seeder,
		advancer:     opts.Advancer,
		closer:       opts.Closer,
		directory:    opts.Directory,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		logger:       opts.Logger.Named("batch_runner"),
		now:          opts.Now,
	}
}

// Run executes directory sync (when requested), SLA scan, escalation
// seeding, escalation advancing, then both auto-close sweeps. Row-level
// failures are counted by each component. A component that fails as a whole
// is recorded and the run carries on, except that seeding is skipped when the
// SLA scan failed. Any component failure is returned as *BatchError next to
// the full summary.
func (r *BatchRunner) Run(ctx context.Context, req BatchRequest) (BatchSummary, error) {
	limit := NormalizeLimit(req.Limit, r.defaultLimit, r.maxLimit)
	summary := BatchSummary{Limit: limit, StartedAt: r.now()}
	var batchErr BatchError

	failed := func(component string, err error) bool {
		if err == nil {
			return false
		}
		summary.FailedComponents = append(summary.FailedComponents, component)
		batchErr.Failures = append(batchErr.Failures, &ComponentError{Component: component, Err: err})
		r.logger.Error("automation component failed", zap.String("component", component), zap.Error(err))
		return true
	}

	if req.RunDirectorySync {
		if r.directory == nil {
			summary.DirectorySync = &DirectorySyncResult{Skipped: true, Reason: "directory sync not configured"}
		} else if res, err := r.directory.Sync(ctx); !failed(componentDirectorySync, err) {
			res.Ran = true
			summary.DirectorySync = &res
		}
	}

	sla, err := r.sla.Scan(ctx, limit)
	slaFailed := failed(componentSLAScanner, err)
	if !slaFailed {
		summary.SLA = &sla
	}

	if slaFailed {
		summary.SkippedComponents = append(summary.SkippedComponents, componentEscalationSeeder)
		r.logger.Warn("escalation seeding skipped after SLA scan failure")
	} else if seed, err := r.seeder.Seed(ctx, limit); !failed(componentEscalationSeeder, err) {
		summary.EscalationSeed = &seed
	}

	if advance, err := r.advancer.Advance(ctx, limit); !failed(componentEscalationAdvancer, err) {
		summary.EscalationAdvance = &advance
	}

	if resolved, err := r.closer.CloseResolved(ctx, limit); !failed(componentAutoCloseResolved, err) {
		summary.AutoCloseResolved = &resolved
	}

	if pending, err := r.closer.ClosePending(ctx, limit); !failed(componentAutoClosePending, err) {
		summary.AutoClosePending = &pending
	}

	summary.FinishedAt = r.now()
	took := summary.FinishedAt.Sub(summary.StartedAt)
	if len(batchErr.Failures) > 0 {
		r.logger.Error("automation run finished with failures",
			zap.Int("limit", limit),
			zap.Strings("failed", summary.FailedComponents),
			zap.Duration("took", took))
		return summary, &batchErr
	}
	r.logger.Info("automation run finished",
		zap.Int("limit", limit),
		zap.Duration("took", took))
	return summary, nil
}
