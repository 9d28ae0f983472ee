// Package tasks runs periodic jobs (discovery cycles, maintenance sweeps) on
// cron schedules.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func is one run of a periodic task.
type Func func(ctx context.Context) error

// Runner owns a cron instance whose entries never overlap themselves and
// survive panics.
type Runner struct {
	cron   *cron.Cron
	base   context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewRunner builds a stopped Runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tasks")
	cl := cronLogger{logger: logger}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		base:   base,
		cancel: cancel,
		logger: logger,
	}
}

// Add schedules fn under name. schedule is any robfig/cron expression, including
// "@every 10m". timeout bounds each run when positive.
func (r *Runner) Add(name, schedule string, timeout time.Duration, fn Func) error {
	_, err := r.cron.AddFunc(schedule, func() {
		r.run(name, timeout, fn)
	})
	if err != nil {
		return fmt.Errorf("schedule task %s (%q): %w", name, schedule, err)
	}
	r.logger.Info("task scheduled", zap.String("task", name), zap.String("schedule", schedule))
	return nil
}

// RunNow executes fn once in the caller's goroutine with the runner's logging.
func (r *Runner) RunNow(name string, timeout time.Duration, fn Func) {
	r.run(name, timeout, fn)
}

func (r *Runner) run(name string, timeout time.Duration, fn Func) {
	ctx := r.base
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		r.logger.Error("task failed", zap.String("task", name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	r.logger.Debug("task finished", zap.String("task", name), zap.Duration("elapsed", time.Since(start)))
}

// Start begins firing scheduled entries.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop prevents new runs, cancels running ones and waits for them to return
// or for ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()
	r.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks stop: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
