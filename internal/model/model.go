// Package model holds the merged view of backups across sources. A Backup is
// the logical entity; each source contributes its own SourceBackup record and
// the reconciler reasons about which sources a Backup is missing from.
package model

import "time"

// SourceName identifies one of the two stores a backup can live in.
type SourceName string

const (
	SourceHome  SourceName = "home"
	SourceCloud SourceName = "cloud"
)

// sourceOrder fixes which source's record answers for merged attributes when
// a backup exists in both. The home record is authoritative when present.
var sourceOrder = []SourceName{SourceHome, SourceCloud}

// BackupType distinguishes full from partial archives.
type BackupType string

const (
	BackupFull    BackupType = "full"
	BackupPartial BackupType = "partial"
)

// SourceBackup is one source's local record for a backup. It is owned by the
// source adapter that produced it; the reconciler only mutates it through the
// adapter's retain and delete operations.
type SourceBackup struct {
	Slug       string
	Name       string
	Date       time.Time
	SizeBytes  int64
	Type       BackupType
	Protected  bool
	Version    string
	Details    map[string]any
	Retained   bool
	Ignored    bool
	Uploadable bool
	// CreatedByUs marks backups this process requested, as opposed to ones
	// started manually or by another client. The pending-backup subversion
	// check relies on it.
	CreatedByUs bool
}

// CreateOptions is the input to a backup creation request. Immutable once
// passed to a create call.
type CreateOptions struct {
	When         time.Time
	NameTemplate string
	Retain       map[SourceName]bool
	Note         string
}

// Backup is the merged, cross-source view of one backup. The slug is its
// stable identity, assigned by whichever source created it first.
type Backup struct {
	sources   map[SourceName]*SourceBackup
	purgeNext map[SourceName]bool
	options   *CreateOptions
}

// NewBackup builds a merged entity seeded with one source's record.
func NewBackup(name SourceName, sb *SourceBackup) *Backup {
	b := &Backup{
		sources:   make(map[SourceName]*SourceBackup, 2),
		purgeNext: make(map[SourceName]bool, 2),
	}
	if sb != nil {
		b.AddSource(name, sb)
	}
	return b
}

// AddSource records that the named source holds this backup.
func (b *Backup) AddSource(name SourceName, sb *SourceBackup) {
	b.sources[name] = sb
}

// RemoveSource forgets the named source's record, e.g. after a delete.
func (b *Backup) RemoveSource(name SourceName) {
	delete(b.sources, name)
	delete(b.purgeNext, name)
}

// Source returns the named source's record, or nil.
func (b *Backup) Source(name SourceName) *SourceBackup {
	return b.sources[name]
}

// HasSource reports whether the named source holds this backup.
func (b *Backup) HasSource(name SourceName) bool {
	_, ok := b.sources[name]
	return ok
}

// SourceCount returns how many sources hold this backup.
func (b *Backup) SourceCount() int { return len(b.sources) }

// Deleted reports whether no source holds this backup anymore. A deleted
// Backup must be dropped from the merged view.
func (b *Backup) Deleted() bool { return len(b.sources) == 0 }

func (b *Backup) any() *SourceBackup {
	for _, name := range sourceOrder {
		if sb, ok := b.sources[name]; ok {
			return sb
		}
	}
	return nil
}

func (b *Backup) Slug() string {
	if sb := b.any(); sb != nil {
		return sb.Slug
	}
	return ""
}

func (b *Backup) Name() string {
	if sb := b.any(); sb != nil {
		return sb.Name
	}
	return ""
}

func (b *Backup) Date() time.Time {
	if sb := b.any(); sb != nil {
		return sb.Date
	}
	return time.Time{}
}

func (b *Backup) SizeBytes() int64 {
	if sb := b.any(); sb != nil {
		return sb.SizeBytes
	}
	return 0
}

func (b *Backup) Type() BackupType {
	if sb := b.any(); sb != nil {
		return sb.Type
	}
	return ""
}

func (b *Backup) Protected() bool {
	if sb := b.any(); sb != nil {
		return sb.Protected
	}
	return false
}

// Version returns the first source record that knows its version.
func (b *Backup) Version() string {
	for _, name := range sourceOrder {
		if sb, ok := b.sources[name]; ok && sb.Version != "" {
			return sb.Version
		}
	}
	return ""
}

// Details returns the first non-empty per-source metadata blob.
func (b *Backup) Details() map[string]any {
	for _, name := range sourceOrder {
		if sb, ok := b.sources[name]; ok && len(sb.Details) > 0 {
			return sb.Details
		}
	}
	return nil
}

// Ignored reports whether every source record is marked ignored. A backup
// visible un-ignored in any source still participates in reconciliation.
func (b *Backup) Ignored() bool {
	if len(b.sources) == 0 {
		return false
	}
	for _, sb := range b.sources {
		if !sb.Ignored {
			return false
		}
	}
	return true
}

// Retained reports whether the named source protects this backup from purge.
func (b *Backup) Retained(name SourceName) bool {
	sb, ok := b.sources[name]
	return ok && sb.Retained
}

// CreatedByUs reports whether any source record marks this backup as one this
// process requested.
func (b *Backup) CreatedByUs() bool {
	for _, sb := range b.sources {
		if sb.CreatedByUs {
			return true
		}
	}
	return false
}

// ConsiderForPurge reports whether the retention sweep may dispose of this
// backup in the named source: present, not retained, not ignored.
func (b *Backup) ConsiderForPurge(name SourceName) bool {
	sb, ok := b.sources[name]
	return ok && !sb.Retained && !sb.Ignored
}

// SetPurgeNext annotates this backup as the named source's next purge
// candidate, for the status surface. Cleared by SetPurgeNext(name, false).
func (b *Backup) SetPurgeNext(name SourceName, purge bool) {
	if purge {
		b.purgeNext[name] = true
	} else {
		delete(b.purgeNext, name)
	}
}

// PurgeNext reports the annotation set by SetPurgeNext.
func (b *Backup) PurgeNext(name SourceName) bool { return b.purgeNext[name] }

// SetOptions attaches the creation request that produced this backup, so a
// just-created backup's retain flags survive until both sources hold it.
func (b *Backup) SetOptions(opts *CreateOptions) { b.options = opts }

// Options returns the creation request attached to this backup, or nil.
func (b *Backup) Options() *CreateOptions { return b.options }

// Status summarizes where this backup lives, for logs and the status API.
func (b *Backup) Status() string {
	inHome := b.HasSource(SourceHome)
	inCloud := b.HasSource(SourceCloud)
	switch {
	case inHome && inCloud:
		return "backed up"
	case inCloud:
		return "cloud only"
	case inHome:
		return "home only"
	default:
		return "deleted"
	}
}
