package operations

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kebairia/posebackup/internal/archive"
	"github.com/kebairia/posebackup/internal/logger"
	"github.com/kebairia/posebackup/internal/notify"
)

// Pruner deletes old artifacts, never the one at protect.
type Pruner interface {
	Prune(ctx context.Context, protect string) ([]string, error)
}

// Deps are the collaborators a run borrows. They are owned by the caller
// and shared with the rest of the process.
type Deps struct {
	Relational Dumper
	Documents  DocumentSource
	Blobs      BlobSource
	Notifier   notify.Notifier
	Retention  Pruner
}

// Options configure where and how runs write.
type Options struct {
	Directory        string
	StagingDirectory string
	Format           archive.Format
	Collections      []string
	Timeout          time.Duration
	Logger           logger.Logger
	Now              func() time.Time
}

// OperationManager runs backups, one at a time.
type OperationManager struct {
	deps Deps
	opts Options
	log  logger.Logger

	running atomic.Bool
	mu      sync.Mutex
	state   State
	last    *Run
}

// New validates deps and opts and returns an idle manager. Partial
// artifacts and staging directories left by an earlier process are removed.
func New(deps Deps, opts Options) (*OperationManager, error) {
	if deps.Relational == nil || deps.Documents == nil || deps.Blobs == nil {
		return nil, errors.New("operations: relational, document and blob sources are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if opts.Directory == "" {
		return nil, errors.New("operations: backup directory is required")
	}
	if opts.StagingDirectory == "" {
		opts.StagingDirectory = filepath.Join(opts.Directory, ".staging")
	}
	if opts.Format == "" {
		opts.Format = archive.FormatZip
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	removed, err := sweepStale(opts.Directory, opts.StagingDirectory)
	for _, p := range removed {
		opts.Logger.Info("removed leftover from interrupted backup", "path", p)
	}
	if err != nil {
		opts.Logger.Warn("leftover cleanup incomplete", "error", err.Error())
	}
	return &OperationManager{deps: deps, opts: opts, log: opts.Logger, state: StateIdle}, nil
}

// State returns the step the current run is in, or idle.
func (om *OperationManager) State() State {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.state
}

// LastRun returns the most recently completed run, or nil.
func (om *OperationManager) LastRun() *Run {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.last
}

func (om *OperationManager) setState(run *Run, s State) {
	om.mu.Lock()
	om.state = s
	om.mu.Unlock()
	run.State = s
	om.log.Debug("backup state", "run_id", run.ID, "state", string(s))
}

// Run executes one backup. A call made while another run is active returns
// ErrRunInProgress at once. Export and archive failures are returned with
// the failed run; notifier and retention failures are only logged.
func (om *OperationManager) Run(ctx context.Context, trigger Trigger) (*Run, error) {
	if !om.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer om.running.Store(false)

	if om.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, om.opts.Timeout, ErrRunTimeout)
		defer cancel()
	}

	run := newRun(trigger, om.opts.Now())
	om.log.Info("backup started", "run_id", run.ID, "trigger", string(trigger))

	err := om.build(ctx, run)
	if err == nil {
		run.CompletedAt = om.opts.Now()
		om.notify(ctx, run)
		om.prune(ctx, run)
	}
	run.complete(om.opts.Now(), err)

	om.mu.Lock()
	om.state = StateIdle
	om.last = run
	om.mu.Unlock()

	if err != nil {
		om.log.Error("backup failed",
			"run_id", run.ID,
			"error", err.Error(),
			"duration_ms", run.DurationMS,
		)
		return run, err
	}
	om.log.Info("backup completed",
		"run_id", run.ID,
		"path", run.ArtifactPath,
		"bytes", run.SizeBytes,
		"duration_ms", run.DurationMS,
	)
	return run, nil
}

// build takes the run from staging to a finalized artifact. On any error
// the archive is aborted; the staging directory is removed on every path.
func (om *OperationManager) build(ctx context.Context, run *Run) (err error) {
	om.setState(run, StateStaging)
	stage, err := newStaging(om.opts.StagingDirectory)
	if err != nil {
		om.setState(run, StateFailed)
		return err
	}
	defer func() {
		if rmErr := stage.remove(); rmErr != nil {
			om.log.Warn("staging cleanup failed", "run_id", run.ID, "error", rmErr.Error())
		}
	}()

	dest := filepath.Join(om.opts.Directory, ArtifactName(run.StartedAt, om.opts.Format.Extension()))
	w, err := archive.Open(dest, om.opts.Format)
	if err != nil {
		om.setState(run, StateFailed)
		return &ArchiveError{Op: "open", Err: err}
	}
	defer func() {
		if err == nil {
			return
		}
		om.setState(run, StateFailed)
		if abortErr := w.Abort(); abortErr != nil {
			om.log.Warn("archive abort failed", "run_id", run.ID, "error", abortErr.Error())
		}
	}()

	steps := []struct {
		state  State
		export func(context.Context, *staging, *archive.Writer) (SourceOutcome, error)
	}{
		{StateExportingRelational, om.exportRelational},
		{StateExportingMetadata, om.exportMetadata},
		{StateExportingBlobs, om.exportBlobs},
	}
	for _, step := range steps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("backup cancelled before %s: %w", step.state, context.Cause(ctx))
		}
		om.setState(run, step.state)
		outcome, err := step.export(ctx, stage, w)
		run.record(outcome, err)
		if err != nil {
			return err
		}
		om.log.Info("source exported",
			"run_id", run.ID,
			"source", outcome.Source,
			"entries", outcome.Entries,
			"bytes", outcome.Bytes,
		)
	}

	om.setState(run, StateFinalizing)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("backup cancelled before finalize: %w", context.Cause(ctx))
	}
	size, err := w.Finalize()
	if err != nil {
		return &ArchiveError{Op: "finalize", Err: err}
	}
	run.ArtifactPath = w.Path()
	run.SizeBytes = size
	return nil
}

func (om *OperationManager) notify(ctx context.Context, run *Run) {
	om.setState(run, StateNotifying)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("notifier panicked: %v", r)
			}
		}()
		return om.deps.Notifier.Notify(ctx, run.ArtifactPath, summaryOf(run))
	}()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNotifyFailed, err)
		om.log.Warn("backup notification failed", "run_id", run.ID, "error", err.Error())
	}
}

func (om *OperationManager) prune(ctx context.Context, run *Run) {
	if om.deps.Retention == nil {
		return
	}
	om.setState(run, StatePruning)
	deleted, err := om.deps.Retention.Prune(ctx, run.ArtifactPath)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRetentionFailed, err)
		om.log.Warn("backup retention failed", "run_id", run.ID, "error", err.Error())
	}
	if len(deleted) > 0 {
		om.log.Info("old backups pruned", "run_id", run.ID, "deleted", len(deleted))
	}
}

func summaryOf(run *Run) notify.Summary {
	s := notify.Summary{
		RunID:       run.ID,
		Trigger:     string(run.Trigger),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		SizeBytes:   run.SizeBytes,
	}
	for _, o := range run.Outcomes {
		s.Sources = append(s.Sources, notify.Source{Name: o.Source, Entries: o.Entries, Bytes: o.Bytes})
	}
	return s
}
