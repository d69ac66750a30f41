// Package retention decides which backup is the most disposable under a
// retention policy. Schemes are pure: the caller removes the returned backup
// and asks again, so every disposal re-evaluates the shrunken set.
package retention

import (
	"sort"
	"time"

	"github.com/edvin/vaultsync/internal/model"
)

// Scheme picks the single backup that should be removed next, or nil when
// everything is within policy.
type Scheme interface {
	Oldest(backups []*model.Backup) *model.Backup
}

// OldestScheme is plain count-based retention: dispose of the oldest backup
// while more than Count exist. Used when no generational policy is set.
type OldestScheme struct {
	Count int
}

func (s OldestScheme) Oldest(backups []*model.Backup) *model.Backup {
	if len(backups) <= s.Count {
		return nil
	}
	return earliest(backups)
}

// GenConfig is the generational policy: how many daily, weekly, monthly and
// yearly buckets to keep and which day anchors each higher-order bucket.
type GenConfig struct {
	Days   int `yaml:"days"`
	Weeks  int `yaml:"weeks"`
	Months int `yaml:"months"`
	Years  int `yaml:"years"`

	// DayOfWeek is the preferred weekly anchor ("mon".."sun").
	DayOfWeek string `yaml:"day_of_week"`
	// DayOfMonth and DayOfYear are 1-based preferred anchors.
	DayOfMonth int `yaml:"day_of_month"`
	DayOfYear  int `yaml:"day_of_year"`

	// Aggressive deletes beyond-policy backups immediately instead of only
	// once the count floor is exceeded.
	Aggressive bool `yaml:"aggressive"`
}

// Normalize applies the policy invariants. The second return is false when
// all four bucket counts are zero, meaning no generational policy exists and
// the scheme must not be consulted. Days is forced to at least 1 when any
// higher-order bucket is configured, otherwise every new daily backup would
// be created and deleted in the same pass.
func (c GenConfig) Normalize() (GenConfig, bool) {
	if c.Days == 0 && c.Weeks == 0 && c.Months == 0 && c.Years == 0 {
		return GenConfig{}, false
	}
	if c.Days == 0 {
		c.Days = 1
	}
	if c.DayOfMonth < 1 {
		c.DayOfMonth = 1
	}
	if c.DayOfYear < 1 {
		c.DayOfYear = 1
	}
	return c, true
}

// Count is the total number of bucket keepers the policy can protect, the
// natural retention floor when no explicit count is configured.
func (c GenConfig) Count() int {
	return c.Days + c.Weeks + c.Months + c.Years
}

var weekdayOffsets = map[string]int{
	"mon": 0,
	"tue": 1,
	"wed": 2,
	"thu": 3,
	"fri": 4,
	"sat": 5,
	"sun": 6,
}

// GenerationalScheme implements generational retention: backups are bucketed
// by day, week, month and year relative to the newest backup; each bucket
// keeps one preferred backup and everything else is disposable, oldest first.
type GenerationalScheme struct {
	cfg GenConfig
	loc *time.Location
	// count is the hard floor of backups to keep regardless of bucket math.
	// Aggressive policies may dispose of out-of-bucket duplicates below it,
	// but bucket keepers are never deleted while at or under the floor.
	count int
}

func NewGenerational(cfg GenConfig, loc *time.Location, count int) *GenerationalScheme {
	if loc == nil {
		loc = time.UTC
	}
	return &GenerationalScheme{cfg: cfg, loc: loc, count: count}
}

// partition is one bucket: the half-open interval [start, end) with a
// preferred anchor day inside it.
type partition struct {
	start  time.Time
	end    time.Time
	prefer time.Time
	loc    *time.Location
}

// keeper picks the bucket's protected backup: the newest backup falling on
// the anchor day, or the oldest backup in the bucket when none does.
func (p partition) keeper(backups []*model.Backup) *model.Backup {
	var inBucket []*model.Backup
	for _, b := range backups {
		d := b.Date()
		if !d.Before(p.start) && d.Before(p.end) {
			inBucket = append(inBucket, b)
		}
	}

	var onAnchor []*model.Backup
	anchorDay := calendarDay(p.prefer, p.loc)
	for _, b := range inBucket {
		if calendarDay(b.Date(), p.loc).Equal(anchorDay) {
			onAnchor = append(onAnchor, b)
		}
	}
	if len(onAnchor) > 0 {
		return latest(onAnchor)
	}
	return earliest(inBucket)
}

func (s *GenerationalScheme) Oldest(backups []*model.Backup) *model.Backup {
	if len(backups) == 0 {
		return nil
	}
	sorted := make([]*model.Backup, len(backups))
	copy(sorted, backups)
	sortByDate(sorted)

	last := sorted[len(sorted)-1].Date().In(s.loc)
	partitions := s.partitions(last)

	keepers := make(map[*model.Backup]struct{})
	for _, p := range partitions {
		if keep := p.keeper(sorted); keep != nil {
			keepers[keep] = struct{}{}
		}
	}

	var extras []*model.Backup
	for _, b := range sorted {
		if _, ok := keepers[b]; !ok {
			if s.cfg.Aggressive {
				return b
			}
			extras = append(extras, b)
		}
	}

	switch {
	case len(sorted) <= s.count && !s.cfg.Aggressive:
		return nil
	case len(extras) > 0:
		return extras[0]
	case len(sorted) > s.count:
		// Every backup is a keeper but the set is still over the floor, so
		// the oldest keeper goes.
		var all []*model.Backup
		for b := range keepers {
			all = append(all, b)
		}
		return earliest(all)
	default:
		return nil
	}
}

// partitions builds the bucket list anchored on the newest backup's local
// date: Days daily buckets walking backwards, then Weeks weekly, Months
// monthly and Years yearly buckets.
func (s *GenerationalScheme) partitions(last time.Time) []partition {
	var out []partition

	currentDay := calendarDay(last, s.loc)
	for x := 0; x < s.cfg.Days; x++ {
		out = append(out, partition{
			start:  currentDay,
			end:    currentDay.AddDate(0, 0, 1),
			prefer: currentDay,
			loc:    s.loc,
		})
		currentDay = calendarDay(currentDay.Add(-12*time.Hour), s.loc)
	}

	anchorOffset, ok := weekdayOffsets[s.cfg.DayOfWeek]
	if !ok {
		anchorOffset = 3
	}
	for x := 0; x < s.cfg.Weeks; x++ {
		weekStart := calendarDay(last, s.loc).
			AddDate(0, 0, -mondayBased(last.Weekday())).
			AddDate(0, 0, -7*x)
		end := weekStart.AddDate(0, 0, 7)
		anchor := weekStart.AddDate(0, 0, anchorOffset)
		out = append(out, partition{start: anchor, end: end, prefer: anchor, loc: s.loc})
	}

	for x := 0; x < s.cfg.Months; x++ {
		start := time.Date(last.Year(), last.Month()-time.Month(x), 1, 0, 0, 0, 0, s.loc)
		out = append(out, partition{
			start:  start,
			end:    start.AddDate(0, 1, 0),
			prefer: start.AddDate(0, 0, s.cfg.DayOfMonth-1),
			loc:    s.loc,
		})
	}

	for x := 0; x < s.cfg.Years; x++ {
		start := time.Date(last.Year()-x, time.January, 1, 0, 0, 0, 0, s.loc)
		out = append(out, partition{
			start:  start,
			end:    start.AddDate(1, 0, 0),
			prefer: start.AddDate(0, 0, s.cfg.DayOfYear-1),
			loc:    s.loc,
		})
	}
	return out
}

// calendarDay truncates a timestamp to local midnight.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// mondayBased converts Go's Sunday-first weekday to a Monday-first offset.
func mondayBased(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func sortByDate(backups []*model.Backup) {
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Date().Before(backups[j].Date())
	})
}

func earliest(backups []*model.Backup) *model.Backup {
	var best *model.Backup
	for _, b := range backups {
		if best == nil || b.Date().Before(best.Date()) {
			best = b
		}
	}
	return best
}

func latest(backups []*model.Backup) *model.Backup {
	var best *model.Backup
	for _, b := range backups {
		if best == nil || b.Date().After(best.Date()) {
			best = b
		}
	}
	return best
}
