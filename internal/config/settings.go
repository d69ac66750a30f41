package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/edvin/vaultsync/internal/retention"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings are the appliance's behavioral knobs, loaded from the YAML
// settings file. A Settings value is immutable once published; reload builds
// a fresh one and swaps it in whole.
type Settings struct {
	// DaysBetweenBackups of 0 disables automatic creation.
	DaysBetweenBackups float64 `yaml:"days_between_backups" validate:"gte=0"`
	// BackupTimeOfDay, "HH:MM" local time, pins creation to a time of day.
	BackupTimeOfDay string `yaml:"backup_time_of_day" validate:"omitempty,datetime=15:04"`
	// BackupStartupDelay holds off creation right after process start so a
	// crash-looping appliance doesn't fill the store with backups.
	BackupStartupDelay Duration `yaml:"backup_startup_delay"`
	BackupName         string   `yaml:"backup_name"`
	Timezone           string   `yaml:"timezone"`

	MaxBackupsInHome  int  `yaml:"max_backups_in_home" validate:"gte=0"`
	MaxBackupsInCloud int  `yaml:"max_backups_in_cloud" validate:"gte=0"`
	EnableUpload      bool `yaml:"enable_upload"`

	Generational retention.GenConfig `yaml:"generational"`

	PendingBackupTimeout Duration `yaml:"pending_backup_timeout"`
	FailedBackupTimeout  Duration `yaml:"failed_backup_timeout"`

	SyncInterval   Duration `yaml:"sync_interval"`
	RequestTimeout Duration `yaml:"request_timeout"`
	// UploadRateBytesPerSecond of 0 leaves uploads ungated.
	UploadRateBytesPerSecond int64 `yaml:"upload_rate_bytes_per_second" validate:"gte=0"`
	// SpaceHeadroomBytes stays free on top of a new backup's estimated size.
	SpaceHeadroomBytes int64 `yaml:"space_headroom_bytes" validate:"gte=0"`
}

// Location resolves the configured timezone, falling back to UTC.
func (s *Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func defaultSettings() *Settings {
	return &Settings{
		DaysBetweenBackups:   3,
		BackupStartupDelay:   Duration(10 * time.Minute),
		BackupName:           "{type} Backup {date}",
		MaxBackupsInHome:     4,
		MaxBackupsInCloud:    4,
		EnableUpload:         true,
		PendingBackupTimeout: Duration(19 * time.Hour),
		FailedBackupTimeout:  Duration(30 * time.Minute),
		SyncInterval:         Duration(time.Hour),
		RequestTimeout:       Duration(30 * time.Second),
	}
}

// Store owns the current Settings snapshot. Readers grab the pointer and use
// it for a whole pass; Reload swaps in a new snapshot without blocking them.
type Store struct {
	logger   zerolog.Logger
	path     string
	validate *validator.Validate
	current  atomic.Pointer[Settings]
}

// NewStore loads the settings file at path. A missing file means defaults; a
// broken file is an error so the appliance fails fast at startup.
func NewStore(logger zerolog.Logger, path string) (*Store, error) {
	s := &Store{
		logger:   logger.With().Str("component", "settings").Logger(),
		path:     path,
		validate: validator.New(),
	}
	settings, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(settings)
	return s, nil
}

// Current returns the live snapshot. Callers must not mutate it.
func (s *Store) Current() *Settings {
	return s.current.Load()
}

// Reload re-reads the settings file and swaps the snapshot. On failure the
// previous snapshot stays live.
func (s *Store) Reload() error {
	settings, err := s.load()
	if err != nil {
		return err
	}
	s.current.Store(settings)
	s.logger.Info().Str("path", s.path).Msg("settings reloaded")
	return nil
}

func (s *Store) load() (*Settings, error) {
	settings := defaultSettings()
	if s.path != "" {
		raw, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			s.logger.Debug().Str("path", s.path).Msg("no settings file, using defaults")
			return settings, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		if err := yaml.Unmarshal(raw, settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}
	if err := s.validate.Struct(settings); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return settings, nil
}
