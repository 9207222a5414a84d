// Package scheduler runs backups on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kebairia/posebackup/internal/logger"
	"github.com/kebairia/posebackup/internal/operations"
)

// ErrInvalidSchedule is returned by New for an expression cron cannot parse.
var ErrInvalidSchedule = errors.New("invalid cron schedule")

// Runner starts one backup run.
type Runner interface {
	Run(ctx context.Context, trigger operations.Trigger) (*operations.Run, error)
}

// Scheduler fires scheduled runs. Runs share a context that Stop cancels.
type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	expr   string
	runner Runner
	log    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses expr as a standard five-field expression (descriptors such as
// @daily are accepted) and registers the backup job. It does not start.
func New(expr string, runner Runner, log logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Global()
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}

	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		expr:   expr,
		runner: runner,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(s.fire))
	return s, nil
}

// Start begins firing in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("backup scheduler started", "schedule", s.expr, "next", s.Next())
}

// Next returns the next activation time.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Stop prevents further activations, cancels a running backup and waits
// for it to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled backup: %w", ctx.Err())
	}
}

func (s *Scheduler) fire() {
	run, err := s.runner.Run(s.ctx, operations.TriggerScheduled)
	switch {
	case errors.Is(err, operations.ErrRunInProgress):
		s.log.Warn("scheduled backup skipped, another run is in progress")
	case err != nil:
		s.log.Error("scheduled backup failed", "error", err.Error())
	default:
		s.log.Info("scheduled backup finished", "run_id", run.ID, "path", run.ArtifactPath)
	}
}

// cronLogger adapts Logger to the cron library.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
