// Package source defines the capability contract both backup stores
// implement. The reconciler depends only on this interface; the home and
// cloud packages provide the two concrete adapters.
package source

import (
	"context"
	"io"

	"github.com/edvin/vaultsync/internal/model"
)

// Adapter is one store's view of its backups and the operations the
// reconciler may perform against it.
type Adapter interface {
	// Name identifies the adapter in the merged view.
	Name() model.SourceName

	// Enabled reports whether the adapter is ready to serve. A disabled
	// adapter is skipped by the sync pass rather than treated as failing.
	Enabled() bool

	// List fetches the store's current backups keyed by slug.
	List(ctx context.Context) (map[string]*model.SourceBackup, error)

	// Create requests a new backup. The returned record may be a
	// placeholder whose real slug arrives later; see the home package's
	// pending state machine.
	Create(ctx context.Context, opts model.CreateOptions) (*model.SourceBackup, error)

	// Delete removes the backup from this store only.
	Delete(ctx context.Context, slug string) error

	// Retain flags or unflags the backup as protected from retention.
	Retain(ctx context.Context, slug string, retain bool) error

	// Download opens the backup archive for reading. The caller closes it.
	Download(ctx context.Context, slug string) (io.ReadCloser, error)

	// Upload stores an archive read from stream under the given metadata
	// and returns this store's new record for it.
	Upload(ctx context.Context, stream io.ReadSeeker, record *model.SourceBackup) (*model.SourceBackup, error)

	// MaxRetainedCount is the store's "always keep at most N" count floor,
	// 0 meaning unlimited.
	MaxRetainedCount() int

	// FreeSpaceBytes estimates the bytes available for a new backup, or a
	// negative value when the store cannot say.
	FreeSpaceBytes(ctx context.Context) (int64, error)

	// UploadAllowed reports whether the reconciler may copy backups into
	// this store.
	UploadAllowed() bool
}
