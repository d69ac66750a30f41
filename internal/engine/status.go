package engine

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edvin/vaultsync/internal/model"
)

// BackupStatus is one backup's row in the status snapshot.
type BackupStatus struct {
	Slug      string             `json:"slug"`
	Name      string             `json:"name"`
	Date      time.Time          `json:"date"`
	SizeBytes int64              `json:"size_bytes"`
	Type      model.BackupType   `json:"type"`
	State     string             `json:"state"`
	Sources   []model.SourceName `json:"sources"`
	PurgeNext []model.SourceName `json:"purge_next,omitempty"`
}

// Status is a point-in-time snapshot of the coordinator, safe to hand to the
// HTTP surface without further locking.
type Status struct {
	Backups    []BackupStatus `json:"backups"`
	LastSync   time.Time      `json:"last_sync"`
	LastError  string         `json:"last_error,omitempty"`
	NextSync   time.Time      `json:"next_sync"`
	NextBackup time.Time      `json:"next_backup,omitempty"`
	InProgress bool           `json:"in_progress"`
}

// Status builds the snapshot the status API serves.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Status{
		LastSync:   c.lastSync,
		NextSync:   c.nextSync,
		NextBackup: c.nextBackup,
		InProgress: c.syncing,
	}
	if c.lastErr != nil {
		out.LastError = c.lastErr.Error()
	}
	for _, b := range c.backups {
		row := BackupStatus{
			Slug:      b.Slug(),
			Name:      b.Name(),
			Date:      b.Date(),
			SizeBytes: b.SizeBytes(),
			Type:      b.Type(),
			State:     b.Status(),
		}
		for _, name := range []model.SourceName{model.SourceHome, model.SourceCloud} {
			if b.HasSource(name) {
				row.Sources = append(row.Sources, name)
			}
			if b.PurgeNext(name) {
				row.PurgeNext = append(row.PurgeNext, name)
			}
		}
		out.Backups = append(out.Backups, row)
	}
	sort.Slice(out.Backups, func(i, j int) bool {
		return out.Backups[i].Date.Before(out.Backups[j].Date)
	})
	return out
}

// Backups returns the merged entities from the last pass, newest last.
func (c *Coordinator) Backups() []*model.Backup {
	c.mu.Lock()
	out := make([]*model.Backup, 0, len(c.backups))
	for _, b := range c.backups {
		out = append(out, b)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date().Before(out[j].Date())
	})
	return out
}

type passMetrics struct {
	total       *prometheus.CounterVec
	duration    prometheus.Histogram
	perSource   *prometheus.GaugeVec
	lastSuccess prometheus.Gauge
}

func newPassMetrics(reg prometheus.Registerer) *passMetrics {
	factory := promauto.With(reg)
	return &passMetrics{
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_sync_total",
			Help: "Total sync passes by result",
		}, []string{"result"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultsync_sync_duration_seconds",
			Help:    "Duration of each sync pass",
			Buckets: prometheus.DefBuckets,
		}),
		perSource: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultsync_backups",
			Help: "Backups held per source after the last pass",
		}, []string{"source"}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_last_successful_sync_timestamp",
			Help: "Unix time of the last successful sync pass",
		}),
	}
}
