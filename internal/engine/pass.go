package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/edvin/vaultsync/internal/home"
	"github.com/edvin/vaultsync/internal/model"
	"github.com/edvin/vaultsync/internal/retention"
	"github.com/edvin/vaultsync/internal/source"
	"github.com/edvin/vaultsync/internal/space"
)

// pass runs one fetch→merge→act cycle. Fetch failures abort the whole pass;
// failures acting on a single backup are logged and skipped so the rest of
// the pass still happens.
func (c *Coordinator) pass(ctx context.Context) (map[string]*model.Backup, error) {
	homeList, err := c.fetch(ctx, c.home)
	if err != nil {
		return nil, fmt.Errorf("fetch home backups: %w", err)
	}
	cloudList, err := c.fetch(ctx, c.cloud)
	if err != nil {
		return nil, fmt.Errorf("fetch cloud backups: %w", err)
	}

	merged := c.merge(homeList, cloudList)
	c.forgetGoneMarkers(merged)

	if err := ctx.Err(); err != nil {
		return merged, err
	}
	passErr := c.uploadMissing(ctx, merged)

	if err := ctx.Err(); err != nil {
		return merged, err
	}
	c.applyRetention(ctx, c.home, merged)
	c.applyRetention(ctx, c.cloud, merged)

	if err := ctx.Err(); err != nil {
		return merged, err
	}
	if err := c.maybeCreate(ctx, merged); err != nil && passErr == nil {
		passErr = err
	}

	return merged, passErr
}

func (c *Coordinator) fetch(ctx context.Context, adapter source.Adapter) (map[string]*model.SourceBackup, error) {
	if !adapter.Enabled() {
		return map[string]*model.SourceBackup{}, nil
	}
	return adapter.List(ctx)
}

// merge folds both listings into Backup entities keyed by slug, carrying the
// creation options of entities that survived from the previous pass.
func (c *Coordinator) merge(homeList, cloudList map[string]*model.SourceBackup) map[string]*model.Backup {
	out := make(map[string]*model.Backup, len(homeList)+len(cloudList))
	for slug, rec := range homeList {
		out[slug] = model.NewBackup(model.SourceHome, rec)
	}
	for slug, rec := range cloudList {
		if b, ok := out[slug]; ok {
			b.AddSource(model.SourceCloud, rec)
		} else {
			out[slug] = model.NewBackup(model.SourceCloud, rec)
		}
	}

	c.mu.Lock()
	for slug, prev := range c.backups {
		if b, ok := out[slug]; ok {
			b.SetOptions(prev.Options())
		}
	}
	c.mu.Unlock()
	return out
}

// forgetGoneMarkers drops persisted flags for slugs no source holds anymore.
// While a creation is pending the host's listing is in flux, so cleanup waits
// for a quiet pass.
func (c *Coordinator) forgetGoneMarkers(merged map[string]*model.Backup) {
	if _, pending := merged[home.PendingSlug]; pending {
		return
	}
	for _, slug := range c.markers.Slugs() {
		if _, ok := merged[slug]; ok {
			continue
		}
		if err := c.markers.Forget(slug); err != nil {
			c.logger.Warn().Err(err).Str("slug", slug).Msg("could not drop markers for deleted backup")
		}
	}
}

// uploadMissing copies every backup the home source holds and the cloud
// doesn't. Low space fails only that upload; other errors are recorded as the
// pass result but don't stop the remaining work.
func (c *Coordinator) uploadMissing(ctx context.Context, merged map[string]*model.Backup) error {
	if !c.cloud.Enabled() || !c.cloud.UploadAllowed() {
		return nil
	}

	var passErr error
	for slug, b := range merged {
		if slug == home.PendingSlug || b.HasSource(model.SourceCloud) || !b.HasSource(model.SourceHome) {
			continue
		}
		if b.Ignored() {
			continue
		}
		if c.wouldBePurged(b, merged) {
			c.logger.Info().Str("slug", slug).Msg("not uploading, the cloud would purge it immediately")
			continue
		}
		if err := c.uploadOne(ctx, b); err != nil {
			if space.IsLowSpace(err) {
				c.logger.Warn().Err(err).Str("slug", slug).Msg("skipping upload, not enough space")
				continue
			}
			c.logger.Error().Err(err).Str("slug", slug).Msg("upload failed")
			if passErr == nil {
				passErr = err
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
	return passErr
}

func (c *Coordinator) uploadOne(ctx context.Context, b *model.Backup) error {
	rec := b.Source(model.SourceHome)

	free, err := c.cloud.FreeSpaceBytes(ctx)
	if err == nil && free >= 0 && free < rec.SizeBytes {
		return &space.LowSpaceError{NeededBytes: rec.SizeBytes, FreeBytes: free}
	}

	// Spooling writes a full second copy of the archive next to the live
	// data, so the home filesystem needs room for it too.
	free, err = c.home.FreeSpaceBytes(ctx)
	if err == nil && free >= 0 && free < rec.SizeBytes {
		return &space.LowSpaceError{NeededBytes: rec.SizeBytes, FreeBytes: free}
	}

	stream, err := c.home.Download(ctx, rec.Slug)
	if err != nil {
		return fmt.Errorf("download %s from home: %w", rec.Slug, err)
	}
	spool, err := c.spool(stream)
	stream.Close()
	if err != nil {
		return fmt.Errorf("spool %s: %w", rec.Slug, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	uploaded, err := c.cloud.Upload(ctx, spool, rec)
	if err != nil {
		return err
	}
	b.AddSource(model.SourceCloud, uploaded)
	c.logger.Info().Str("slug", rec.Slug).Msg("backup copied to cloud")

	if opts := b.Options(); opts != nil && opts.Retain[model.SourceCloud] && !uploaded.Retained {
		if err := c.cloud.Retain(ctx, rec.Slug, true); err != nil {
			c.logger.Warn().Err(err).Str("slug", rec.Slug).Msg("could not retain fresh upload")
		} else {
			uploaded.Retained = true
		}
	}
	return nil
}

// spool copies the archive to a temporary file so the upload can seek on
// resume instead of re-downloading.
func (c *Coordinator) spool(stream io.Reader) (*os.File, error) {
	f, err := os.CreateTemp(c.spoolDir, "vaultsync-upload-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}

// wouldBePurged simulates adding the backup to the cloud's retention set. An
// upload whose result is the cloud's very next purge candidate is pointless
// churn and is skipped.
func (c *Coordinator) wouldBePurged(b *model.Backup, merged map[string]*model.Backup) bool {
	scheme := c.schemeFor(c.cloud.MaxRetainedCount())
	if scheme == nil {
		return false
	}
	if opts := b.Options(); opts != nil && opts.Retain[model.SourceCloud] {
		return false
	}
	sim := c.purgeCandidates(model.SourceCloud, merged, nil)
	sim = append(sim, b)
	return scheme.Oldest(sim) == b
}

// applyRetention runs the source's retention sweep: ask the scheme for the
// most disposable backup, delete it, and re-evaluate the shrunken set until
// the scheme is satisfied. A failed delete skips that slug this pass.
func (c *Coordinator) applyRetention(ctx context.Context, adapter source.Adapter, merged map[string]*model.Backup) {
	name := adapter.Name()
	if !adapter.Enabled() {
		return
	}
	scheme := c.schemeFor(adapter.MaxRetainedCount())
	if scheme == nil {
		for _, b := range merged {
			b.SetPurgeNext(name, false)
		}
		return
	}

	skipped := make(map[string]struct{})
	for {
		if ctx.Err() != nil {
			return
		}
		victim := scheme.Oldest(c.purgeCandidates(name, merged, skipped))
		if victim == nil {
			break
		}
		slug := victim.Slug()
		if err := adapter.Delete(ctx, slug); err != nil {
			c.logger.Warn().Err(err).Str("slug", slug).Str("source", string(name)).Msg("delete failed, skipping this pass")
			skipped[slug] = struct{}{}
			continue
		}
		c.logger.Info().Str("slug", slug).Str("source", string(name)).Msg("purged backup")
		victim.RemoveSource(name)
		if victim.Deleted() {
			delete(merged, slug)
		}
	}

	next := scheme.Oldest(c.purgeCandidates(name, merged, nil))
	for _, b := range merged {
		b.SetPurgeNext(name, b == next)
	}
}

func (c *Coordinator) purgeCandidates(name model.SourceName, merged map[string]*model.Backup, skipped map[string]struct{}) []*model.Backup {
	var out []*model.Backup
	for slug, b := range merged {
		if slug == home.PendingSlug {
			continue
		}
		if _, skip := skipped[slug]; skip {
			continue
		}
		if b.ConsiderForPurge(name) {
			out = append(out, b)
		}
	}
	return out
}

// schemeFor picks the retention scheme: generational when a policy is
// configured, otherwise plain keep-the-newest-N. A zero count with no policy
// means retention is off for that source.
func (c *Coordinator) schemeFor(count int) retention.Scheme {
	settings := c.settings.Current()
	if cfg, ok := settings.Generational.Normalize(); ok {
		if count <= 0 {
			count = cfg.Count()
		}
		return retention.NewGenerational(cfg, settings.Location(), count)
	}
	if count <= 0 {
		return nil
	}
	return retention.OldestScheme{Count: count}
}

// maybeCreate requests a new backup when the schedule says one is due. The
// home source being busy with another backup is normal, not a pass failure.
func (c *Coordinator) maybeCreate(ctx context.Context, merged map[string]*model.Backup) error {
	if _, pending := merged[home.PendingSlug]; pending {
		return nil
	}
	now := c.clk.Now()
	due, ok := c.dueTime(merged, now)
	if !ok || now.Before(due) {
		return nil
	}

	if err := c.checkCreateSpace(ctx, merged); err != nil {
		c.logger.Warn().Err(err).Msg("a backup is due but the host is low on disk space, skipping")
		return nil
	}

	c.logger.Info().Time("due_since", due).Msg("a new backup is due")
	opts := model.CreateOptions{When: now}
	rec, err := c.home.Create(ctx, opts)
	if errors.Is(err, home.ErrBackupInProgress) {
		c.logger.Info().Msg("not creating, the host is already making a backup")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	b := model.NewBackup(model.SourceHome, rec)
	b.SetOptions(&opts)
	merged[rec.Slug] = b
	return nil
}

// fallbackCreateEstimate stands in for the next backup's size when there is
// no existing backup to extrapolate from.
const fallbackCreateEstimate = 256 << 20

// checkCreateSpace refuses a creation the home filesystem likely cannot hold.
// The next backup is assumed to be about the size of the newest existing one,
// plus the configured headroom.
func (c *Coordinator) checkCreateSpace(ctx context.Context, merged map[string]*model.Backup) error {
	free, err := c.home.FreeSpaceBytes(ctx)
	if err != nil || free < 0 {
		// An unknowable filesystem shouldn't block backups.
		return nil
	}

	var estimate int64
	var newest time.Time
	for slug, b := range merged {
		rec := b.Source(model.SourceHome)
		if slug == home.PendingSlug || rec == nil {
			continue
		}
		if rec.Date.After(newest) {
			newest = rec.Date
			estimate = rec.SizeBytes
		}
	}
	if estimate == 0 {
		estimate = fallbackCreateEstimate
	}

	needed := estimate + c.settings.Current().SpaceHeadroomBytes
	if free < needed {
		return &space.LowSpaceError{NeededBytes: needed, FreeBytes: free}
	}
	return nil
}

// dueTime computes when the next backup should be created: the newest
// existing backup plus the configured gap, pinned to the configured time of
// day and held back by the startup delay. The second return is false when
// automatic creation is disabled.
func (c *Coordinator) dueTime(merged map[string]*model.Backup, now time.Time) (time.Time, bool) {
	settings := c.settings.Current()
	if settings.DaysBetweenBackups <= 0 {
		return time.Time{}, false
	}
	earliest := c.startedAt.Add(settings.BackupStartupDelay.Std())

	var newest time.Time
	for slug, b := range merged {
		if slug == home.PendingSlug || b.Ignored() {
			continue
		}
		if b.Date().After(newest) {
			newest = b.Date()
		}
	}

	var due time.Time
	if newest.IsZero() {
		due = now
	} else {
		gap := time.Duration(settings.DaysBetweenBackups * 24 * float64(time.Hour))
		due = newest.Add(gap)
		if settings.BackupTimeOfDay != "" {
			due = pinTimeOfDay(due, settings.BackupTimeOfDay, settings.Location(), newest)
		}
	}
	if due.Before(earliest) {
		due = earliest
	}
	return due, true
}

// pinTimeOfDay moves a due time to the configured HH:MM on its calendar day,
// rolling forward a day when that would land before the previous backup.
func pinTimeOfDay(due time.Time, timeOfDay string, loc *time.Location, previous time.Time) time.Time {
	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return due
	}
	local := due.In(loc)
	pinned := time.Date(local.Year(), local.Month(), local.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
	if pinned.Before(previous) {
		pinned = pinned.AddDate(0, 0, 1)
	}
	return pinned
}
