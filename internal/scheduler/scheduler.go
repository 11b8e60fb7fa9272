package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the service's periodic maintenance jobs on cron specs
type Scheduler struct {
	Cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Panicking jobs are recovered and a job that is still
// running when its next tick arrives is skipped.
func New(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		Cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under spec, for example "@every 30s" or "*/5 * * * *"
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.Cron.AddFunc(spec, func() {
		start := time.Now()
		if err := fn(s.ctx); err != nil {
			s.logger.Error("Scheduled job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("Scheduled job completed", "job", name, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.logger.Info("Scheduled job", "job", name, "spec", spec)
	return nil
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.Cron.Start()
}

// Stop stops scheduling new runs, cancels the jobs' context and waits for running
// jobs until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.Cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron's logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("Cron: "+msg, append(keysAndValues, "error", err)...)
}
