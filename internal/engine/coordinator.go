// Package engine owns the reconciliation loop: it merges the backup listings
// of the home and cloud sources into one view, copies backups that are
// missing from the cloud, applies retention per source and requests new
// backups when the schedule says one is due.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/vaultsync/internal/backoff"
	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/model"
	"github.com/edvin/vaultsync/internal/source"
	"github.com/edvin/vaultsync/internal/state"
)

// Options wires the Coordinator's collaborators.
type Options struct {
	Home     source.Adapter
	Cloud    source.Adapter
	Settings *config.Store
	Markers  *state.Store
	// SpoolDir holds the temporary archive copy while a backup moves from
	// home to cloud.
	SpoolDir string
	// Registry receives the sync metrics. Defaults to the global registry.
	Registry prometheus.Registerer
}

// Coordinator runs at most one sync pass at a time. A concurrent Sync call
// does not start a second pass; it waits for the in-flight one and shares its
// result.
type Coordinator struct {
	logger    zerolog.Logger
	clk       clock.Clock
	home      source.Adapter
	cloud     source.Adapter
	settings  *config.Store
	markers   *state.Store
	spoolDir  string
	metrics   *passMetrics
	startedAt time.Time

	mu         sync.Mutex
	backups    map[string]*model.Backup
	syncing    bool
	syncDone   chan struct{}
	cancelPass context.CancelFunc
	lastSync   time.Time
	lastErr    error
	nextSync   time.Time
	nextBackup time.Time
	retry      *backoff.Backoff
}

func New(logger zerolog.Logger, clk clock.Clock, opts Options) *Coordinator {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Coordinator{
		logger:    logger.With().Str("component", "coordinator").Logger(),
		clk:       clk,
		home:      opts.Home,
		cloud:     opts.Cloud,
		settings:  opts.Settings,
		markers:   opts.Markers,
		spoolDir:  opts.SpoolDir,
		metrics:   newPassMetrics(reg),
		startedAt: clk.Now(),
		backups:   make(map[string]*model.Backup),
		retry:     backoff.New(backoff.Options{Base: 10 * time.Second}),
	}
	c.nextSync = c.startedAt
	return c
}

// Sync runs one reconciliation pass. If a pass is already in flight the call
// blocks until that pass finishes and returns its result instead of starting
// another one.
func (c *Coordinator) Sync(ctx context.Context) error {
	c.mu.Lock()
	if c.syncing {
		done := c.syncDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.lastErr
		c.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	passCtx, cancel := context.WithCancel(ctx)
	c.syncing = true
	c.syncDone = done
	c.cancelPass = cancel
	c.mu.Unlock()
	defer cancel()

	started := c.clk.Now()
	merged, err := c.pass(passCtx)
	elapsed := c.clk.Now().Sub(started)

	c.mu.Lock()
	now := c.clk.Now()
	c.lastSync = now
	c.lastErr = err
	if merged != nil {
		c.backups = merged
	}
	settings := c.settings.Current()
	if err == nil {
		c.retry.Reset()
		c.nextSync = now.Add(settings.SyncInterval.Std())
	} else {
		delay, _ := c.retry.Backoff(err)
		c.nextSync = now.Add(delay)
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("sync pass failed")
	}
	c.nextBackup, _ = c.dueTime(c.backups, now)
	c.syncing = false
	c.cancelPass = nil
	close(done)
	c.mu.Unlock()

	c.observePass(err, elapsed)
	return err
}

// Cancel requests cooperative cancellation of the in-progress pass, if any.
// It never cancels anything else.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPass != nil {
		c.cancelPass()
	}
}

// NextSync reports when the next pass should run, as computed by the last
// pass's outcome.
func (c *Coordinator) NextSync() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSync
}

// UntilNextSync is the wait before the next pass is due, never negative.
func (c *Coordinator) UntilNextSync() time.Duration {
	c.mu.Lock()
	next := c.nextSync
	c.mu.Unlock()
	wait := next.Sub(c.clk.Now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (c *Coordinator) observePass(err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.metrics.total.WithLabelValues(result).Inc()
	c.metrics.duration.Observe(elapsed.Seconds())
	if err == nil {
		c.metrics.lastSuccess.Set(float64(c.clk.Now().Unix()))
	}

	c.mu.Lock()
	counts := map[model.SourceName]int{}
	for _, b := range c.backups {
		for _, name := range []model.SourceName{model.SourceHome, model.SourceCloud} {
			if b.HasSource(name) {
				counts[name]++
			}
		}
	}
	c.mu.Unlock()
	for name, n := range counts {
		c.metrics.perSource.WithLabelValues(string(name)).Set(float64(n))
	}
}
