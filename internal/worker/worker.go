// Package worker runs the appliance's periodic background tasks: the sync
// loop and the pending-backup watchdog. A worker owns one task, one interval
// and a trigger channel that wakes it ahead of schedule.
package worker

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Task is one unit of periodic work. Errors are logged, not fatal; the loop
// keeps running until its context is cancelled.
type Task func(ctx context.Context) error

type Worker struct {
	logger   zerolog.Logger
	clk      clock.Clock
	interval func() time.Duration
	task     Task
	trigger  chan struct{}
}

// New builds a worker. The interval is a function so a task can reschedule
// itself, e.g. the sync loop waking exactly when the next pass is due.
func New(logger zerolog.Logger, clk clock.Clock, name string, interval func() time.Duration, task Task) *Worker {
	return &Worker{
		logger:   logger.With().Str("component", "worker").Str("worker", name).Logger(),
		clk:      clk,
		interval: interval,
		task:     task,
		trigger:  make(chan struct{}, 1),
	}
}

// Every is an interval function for a fixed period.
func Every(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// Trigger wakes the worker before its interval elapses. Non-blocking; one
// queued wake-up is enough no matter how often it is called.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Cancellation is a clean stop, not an
// error, so workers compose under an errgroup.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopped")
			return nil
		case <-w.clk.After(w.interval()):
		case <-w.trigger:
		}
		if err := w.task(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("periodic task failed")
		}
	}
}
