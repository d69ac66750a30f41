// Package home adapts the host-management API as a backup source. Besides
// the plain wire operations it owns the pending-backup state machine:
// creation on the host is slow, observed asynchronously, and can be stolen
// by backups started outside this process.
package home

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/model"
	"github.com/edvin/vaultsync/internal/remote"
	"github.com/edvin/vaultsync/internal/space"
	"github.com/edvin/vaultsync/internal/state"
)

var (
	// ErrBackupInProgress means the host is already creating a backup,
	// ours or somebody else's. Callers must not retry automatically.
	ErrBackupInProgress = errors.New("a backup is already in progress")
	// ErrUploadFailed means a restore-by-upload did not produce a record.
	ErrUploadFailed = errors.New("upload to home source failed")
	// ErrSlugMismatch means the host acknowledged an upload under a
	// different slug than the backup being restored.
	ErrSlugMismatch = errors.New("home source returned a different slug than expected")
)

// acknowledgeTimeout bounds how long Create waits for the host to finish
// before returning the pending placeholder. The watcher keeps waiting in the
// background either way.
const acknowledgeTimeout = 10 * time.Second

// Source implements the source adapter for the home store.
type Source struct {
	logger    zerolog.Logger
	clk       clock.Clock
	requests  *Requests
	settings  *config.Store
	markers   *state.Store
	estimator *space.Estimator
	// notify pokes the sync loop when background creation state changes.
	notify func()

	mu        sync.Mutex
	pending   *pendingBackup
	lastSlugs map[string]struct{}
	hostInfo  HostInfo
	haveInfo  bool
}

func New(logger zerolog.Logger, clk clock.Clock, requests *Requests, settings *config.Store, markers *state.Store, estimator *space.Estimator, notify func()) *Source {
	if notify == nil {
		notify = func() {}
	}
	return &Source{
		logger:    logger.With().Str("component", "home-source").Logger(),
		clk:       clk,
		requests:  requests,
		settings:  settings,
		markers:   markers,
		estimator: estimator,
		notify:    notify,
	}
}

func (s *Source) Name() model.SourceName { return model.SourceHome }

func (s *Source) Enabled() bool { return true }

func (s *Source) UploadAllowed() bool { return true }

func (s *Source) MaxRetainedCount() int {
	return s.settings.Current().MaxBackupsInHome
}

func (s *Source) FreeSpaceBytes(ctx context.Context) (int64, error) {
	return s.estimator.FreeBytes()
}

// List fetches the host's backups, folds in the persisted markers and
// reconciles the pending entry against what actually exists.
func (s *Source) List(ctx context.Context) (map[string]*model.SourceBackup, error) {
	listing, err := s.requests.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	for slug, record := range listing {
		flags := s.markers.Get(slug)
		record.Retained = flags.Retained
		record.Ignored = flags.Ignored
		record.CreatedByUs = flags.CreatedByUs
	}

	slugs := make(map[string]struct{}, len(listing))
	for slug := range listing {
		slugs[slug] = struct{}{}
	}

	s.mu.Lock()
	if p := s.pending; p != nil {
		settings := s.settings.Current()
		switch {
		case p.stale(s.clk.Now(), settings):
			s.logger.Warn().Str("name", p.name).Msg("discarding stale pending backup")
			s.killPendingLocked()
		case p.complete:
			if _, ok := listing[p.completedSlug]; ok {
				s.killPendingLocked()
			}
		case s.newSlugAppearedLocked(slugs):
			// Something we didn't request showed up; stop waiting for
			// ours and let the real record win.
			s.logger.Info().Msg("unexpected new backup appeared, dropping pending placeholder")
			s.killPendingLocked()
		default:
			listing[PendingSlug] = p.record()
		}
	}
	s.lastSlugs = slugs
	s.mu.Unlock()

	return listing, nil
}

func (s *Source) newSlugAppearedLocked(slugs map[string]struct{}) bool {
	if s.lastSlugs == nil {
		return false
	}
	for slug := range slugs {
		if _, ok := s.lastSlugs[slug]; !ok {
			return true
		}
	}
	return false
}

// Create requests a new backup. It waits briefly for the host to finish; if
// the creation is still running after the bounded wait, a placeholder record
// is returned and the watcher resolves it in the background. A second call
// while one is pending fails with ErrBackupInProgress without touching the
// network.
func (s *Source) Create(ctx context.Context, opts model.CreateOptions) (*model.SourceBackup, error) {
	settings := s.settings.Current()

	template := opts.NameTemplate
	if template == "" {
		template = settings.BackupName
	}
	host, err := s.hostInfoCached(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("host info unavailable, naming without it")
	}
	when := opts.When
	if when.IsZero() {
		when = s.clk.Now()
	}
	req := createRequest{
		Name: ResolveName(template, model.BackupFull, when.In(settings.Location()), host),
	}

	s.mu.Lock()
	if s.pending != nil && !s.pending.resolved() {
		s.mu.Unlock()
		s.logger.Info().Msg("refusing create, a backup is already pending")
		return nil, ErrBackupInProgress
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pendingBackup{
		name:      req.Name,
		when:      when,
		options:   opts,
		startedAt: s.clk.Now(),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	s.pending = p
	s.mu.Unlock()

	s.logger.Info().Str("name", req.Name).Msg("requesting a new backup")
	go s.watch(watchCtx, p, req)

	select {
	case <-p.done:
	case <-s.clk.After(acknowledgeTimeout):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	err = p.surface()
	complete := p.complete
	slug := p.completedSlug
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if complete {
		record, err := s.requests.Backup(ctx, slug)
		if err != nil {
			return nil, err
		}
		flags := s.markers.Get(slug)
		record.Retained = flags.Retained
		record.CreatedByUs = flags.CreatedByUs
		return record, nil
	}
	return p.record(), nil
}

// watch drives one creation request to resolution. It runs detached from the
// caller so a finished HTTP request is observed even when Create has long
// returned the placeholder.
func (s *Source) watch(ctx context.Context, p *pendingBackup, req createRequest) {
	settings := s.settings.Current()
	ctx, cancel := context.WithTimeout(ctx, settings.PendingBackupTimeout.Std())
	defer cancel()

	slug, err := s.requests.CreateBackup(ctx, req)

	if err == nil {
		// Persist the markers before publishing completion so whoever
		// fetches the new record sees them.
		if merr := s.markers.MarkCreatedByUs(slug); merr != nil {
			s.logger.Warn().Err(merr).Msg("could not persist created-by-us marker")
		}
		if p.options.Retain[model.SourceHome] {
			if merr := s.markers.SetRetained(slug, true); merr != nil {
				s.logger.Warn().Err(merr).Msg("could not persist retained marker")
			}
		}
	}

	s.mu.Lock()
	switch {
	case err == nil:
		p.complete = true
		p.completedSlug = slug
		s.logger.Info().Str("slug", slug).Msg("backup finished")
	case isAlreadyRunning(err):
		p.subverted = true
		s.logger.Warn().Msg("host reports a backup was already in progress")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// The job's outcome is unknown and the host may still finish it;
		// treat it like a takeover so the entry expires instead of being
		// parked as failed.
		p.subverted = true
		s.logger.Warn().Msg("timed out waiting for the host to finish the backup")
	default:
		p.failed = true
		p.err = err
		p.failedAt = s.clk.Now()
		s.logger.Error().Err(err).Msg("backup creation failed")
	}
	close(p.done)
	s.mu.Unlock()

	s.notify()
}

// isAlreadyRunning spots the host's "another backup is running" rejection.
func isAlreadyRunning(err error) bool {
	var ae *remote.APIError
	return errors.As(err, &ae) && ae.Status == http.StatusBadRequest
}

func (s *Source) killPendingLocked() {
	if s.pending == nil {
		return
	}
	s.pending.cancel()
	s.pending = nil
}

// StalePending reports whether a stale pending entry is waiting to be
// cleaned up, so the watchdog can trigger a sync pass.
func (s *Source) StalePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil && s.pending.stale(s.clk.Now(), s.settings.Current())
}

func (s *Source) Delete(ctx context.Context, slug string) error {
	s.logger.Info().Str("slug", slug).Msg("deleting backup from home")
	return s.requests.Delete(ctx, slug)
}

// Retain flips the persisted retained marker. The host has no native notion
// of protection, so the marker is ours alone.
func (s *Source) Retain(ctx context.Context, slug string, retain bool) error {
	return s.markers.SetRetained(slug, retain)
}

func (s *Source) Download(ctx context.Context, slug string) (io.ReadCloser, error) {
	return s.requests.Download(ctx, slug)
}

// Upload restores an archive onto the host. The host re-derives the slug
// from the archive contents, so anything but the expected slug coming back
// means we restored the wrong bytes.
func (s *Source) Upload(ctx context.Context, stream io.ReadSeeker, record *model.SourceBackup) (*model.SourceBackup, error) {
	s.logger.Info().Str("slug", record.Slug).Msg("restoring backup onto home")
	slug, err := s.requests.Upload(ctx, stream)
	if err != nil {
		return nil, err
	}
	if slug == "" {
		return nil, ErrUploadFailed
	}
	if slug != record.Slug {
		return nil, ErrSlugMismatch
	}
	if err := s.markers.SetRetained(slug, true); err != nil {
		s.logger.Warn().Err(err).Msg("could not persist retained marker after restore")
	}
	return s.requests.Backup(ctx, slug)
}

func (s *Source) hostInfoCached(ctx context.Context) (HostInfo, error) {
	s.mu.Lock()
	if s.haveInfo {
		info := s.hostInfo
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	info, err := s.requests.HostInfo(ctx)
	if err != nil {
		return HostInfo{}, err
	}
	s.mu.Lock()
	s.hostInfo = info
	s.haveInfo = true
	s.mu.Unlock()
	return info, nil
}
