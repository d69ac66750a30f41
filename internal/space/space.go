// Package space estimates free disk space ahead of backup creation. Running
// the host out of disk mid-backup is much worse than skipping one backup, so
// the estimate is checked before every create and upload.
package space

import (
	"fmt"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// LowSpaceError reports that a creation or upload was refused because the
// filesystem cannot hold it. Fatal to that one operation, not the pass.
type LowSpaceError struct {
	NeededBytes int64
	FreeBytes   int64
}

func (e *LowSpaceError) Error() string {
	return fmt.Sprintf("low disk space: need %s, only %s free",
		humanize.IBytes(uint64(e.NeededBytes)), humanize.IBytes(uint64(e.FreeBytes)))
}

// IsLowSpace reports whether err is a low-space refusal.
func IsLowSpace(err error) bool {
	_, ok := err.(*LowSpaceError)
	return ok
}

// statfs is swapped in tests.
var statfs = syscall.Statfs

// Estimator sizes up the filesystem backing one path.
type Estimator struct {
	logger zerolog.Logger
	path   string
	// headroomBytes is kept free on top of the estimated need.
	headroomBytes int64
}

func NewEstimator(logger zerolog.Logger, path string, headroomBytes int64) *Estimator {
	return &Estimator{
		logger:        logger.With().Str("component", "space").Logger(),
		path:          path,
		headroomBytes: headroomBytes,
	}
}

// FreeBytes returns the bytes available to unprivileged writes on the
// estimator's filesystem.
func (e *Estimator) FreeBytes() (int64, error) {
	var stat syscall.Statfs_t
	if err := statfs(e.path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", e.path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// Check refuses an operation that needs neededBytes unless the filesystem
// can hold it plus the configured headroom.
func (e *Estimator) Check(neededBytes int64) error {
	free, err := e.FreeBytes()
	if err != nil {
		// An unreadable filesystem shouldn't block backups; log and let
		// the operation find out for itself.
		e.logger.Warn().Err(err).Msg("could not estimate free space")
		return nil
	}
	if free < neededBytes+e.headroomBytes {
		return &LowSpaceError{NeededBytes: neededBytes, FreeBytes: free}
	}
	return nil
}
