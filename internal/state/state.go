// Package state persists the small per-slug facts that must survive a
// restart: whether a backup is retained, ignored, and whether this process
// created it. The last one disambiguates our own pending creation from a
// backup started behind our back.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Flags are the persisted markers for one slug.
type Flags struct {
	Retained    bool `json:"retained,omitempty"`
	Ignored     bool `json:"ignored,omitempty"`
	CreatedByUs bool `json:"created_by_us,omitempty"`
}

func (f Flags) empty() bool {
	return !f.Retained && !f.Ignored && !f.CreatedByUs
}

// Store is a JSON-file-backed marker store. Mutations write through to disk
// under a single lock; reads are served from memory.
type Store struct {
	logger zerolog.Logger
	path   string

	mu    sync.Mutex
	slugs map[string]Flags
}

// Open loads the store at path, starting empty if the file does not exist.
func Open(logger zerolog.Logger, path string) (*Store, error) {
	s := &Store{
		logger: logger.With().Str("component", "state").Logger(),
		path:   path,
		slugs:  make(map[string]Flags),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.slugs); err != nil {
		// A corrupt state file loses markers but must not brick the
		// appliance.
		s.logger.Warn().Err(err).Str("path", path).Msg("state file unreadable, starting fresh")
		s.slugs = make(map[string]Flags)
	}
	return s, nil
}

// Get returns the markers for slug, zero-valued when unknown.
func (s *Store) Get(slug string) Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slugs[slug]
}

// SetRetained persists the retained marker for slug.
func (s *Store) SetRetained(slug string, retained bool) error {
	return s.update(slug, func(f *Flags) { f.Retained = retained })
}

// SetIgnored persists the ignored marker for slug.
func (s *Store) SetIgnored(slug string, ignored bool) error {
	return s.update(slug, func(f *Flags) { f.Ignored = ignored })
}

// MarkCreatedByUs records that this process requested the backup with this
// slug. The marker is never cleared except by Forget.
func (s *Store) MarkCreatedByUs(slug string) error {
	return s.update(slug, func(f *Flags) { f.CreatedByUs = true })
}

// Forget drops all markers for a slug, once the backup is gone everywhere.
func (s *Store) Forget(slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugs[slug]; !ok {
		return nil
	}
	delete(s.slugs, slug)
	return s.flushLocked()
}

// Slugs returns every slug with at least one marker set.
func (s *Store) Slugs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.slugs))
	for slug := range s.slugs {
		out = append(out, slug)
	}
	return out
}

func (s *Store) update(slug string, mutate func(*Flags)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.slugs[slug]
	mutate(&f)
	if f.empty() {
		delete(s.slugs, slug)
	} else {
		s.slugs[slug] = f
	}
	return s.flushLocked()
}

// flushLocked writes the map to a sibling temp file and renames it over the
// real one, so a crash mid-write never leaves a torn file.
func (s *Store) flushLocked() error {
	raw, err := json.MarshalIndent(s.slugs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
