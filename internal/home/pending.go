package home

import (
	"context"
	"time"

	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/model"
)

// PendingSlug is the placeholder slug a pending creation occupies in the
// merged view until the host assigns a real one.
const PendingSlug = "pending"

// pendingBackup tracks one in-flight creation request. The host has no
// cancellation primitive for a running backup job, so the machine can only
// stop waiting, never stop the job. All fields are guarded by the owning
// Source's mutex; done is closed exactly once when the watcher finishes.
type pendingBackup struct {
	name      string
	when      time.Time
	options   model.CreateOptions
	startedAt time.Time

	done   chan struct{}
	cancel context.CancelFunc

	complete      bool
	completedSlug string

	failed   bool
	err      error
	failedAt time.Time

	// subverted means the host reported another backup already running, a
	// backup we didn't request appeared while waiting, or the wait timed
	// out with the job's outcome unknown. The original request surfaces
	// ErrBackupInProgress instead of waiting forever.
	subverted bool
}

func (p *pendingBackup) record() *model.SourceBackup {
	name := p.name
	if p.subverted {
		name = "Pending Backup"
	}
	return &model.SourceBackup{
		Slug:        PendingSlug,
		Name:        name,
		Date:        p.when,
		Type:        model.BackupFull,
		CreatedByUs: !p.subverted,
	}
}

// resolved reports whether the watcher has finished, one way or the other.
func (p *pendingBackup) resolved() bool {
	return p.complete || p.failed
}

// surface translates the pending entry's state into what the original
// create caller should see.
func (p *pendingBackup) surface() error {
	if p.failed {
		return p.err
	}
	if p.subverted {
		return ErrBackupInProgress
	}
	return nil
}

// stale reports whether the entry should be discarded. A subverted entry
// expires after the pending timeout; a failed one after the failed timeout,
// so a new attempt can be made.
func (p *pendingBackup) stale(now time.Time, settings *config.Settings) bool {
	if p.subverted && now.After(p.startedAt.Add(settings.PendingBackupTimeout.Std())) {
		return true
	}
	if p.failed && !now.Before(p.failedAt.Add(settings.FailedBackupTimeout.Std())) {
		return true
	}
	return false
}
