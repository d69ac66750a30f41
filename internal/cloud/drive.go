// Package cloud adapts the cloud object store as a backup source. Two
// implementations exist: the Drive-style JSON API with resumable uploads,
// and an S3 bucket.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/model"
	"github.com/edvin/vaultsync/internal/ratelimit"
	"github.com/edvin/vaultsync/internal/remote"
)

// ErrNoCreate is returned for creation requests against the cloud store;
// backups are only ever created on the home source and copied up.
var ErrNoCreate = errors.New("cloud source cannot create backups")

// ErrUnknownSlug means an operation referenced a backup the last listing
// didn't contain.
var ErrUnknownSlug = errors.New("slug not present in cloud source")

// Metadata property keys attached to each uploaded file.
const (
	propSlug      = "backup_slug"
	propDate      = "backup_date"
	propType      = "backup_type"
	propProtected = "protected"
	propRetained  = "retained"
	propVersion   = "version"
	propIgnored   = "ignored"
)

const folderName = "vaultsync-backups"

const archiveMime = "application/tar"

// DriveSource stores backups as files in one folder of a Drive-style API.
// Backup identity lives in each file's appProperties, so the adapter keeps a
// slug-to-file-id index refreshed by every listing.
type DriveSource struct {
	logger   zerolog.Logger
	clk      clock.Clock
	client   *remote.Client
	settings *config.Store

	mu       sync.Mutex
	folderID string
	fileIDs  map[string]string
	sessions map[string]*remote.UploadSession
}

func NewDriveSource(logger zerolog.Logger, clk clock.Clock, client *remote.Client, settings *config.Store) *DriveSource {
	return &DriveSource{
		logger:   logger.With().Str("component", "cloud-drive").Logger(),
		clk:      clk,
		client:   client,
		settings: settings,
		fileIDs:  make(map[string]string),
		sessions: make(map[string]*remote.UploadSession),
	}
}

func (s *DriveSource) Name() model.SourceName { return model.SourceCloud }

func (s *DriveSource) Enabled() bool { return s.client != nil }

func (s *DriveSource) UploadAllowed() bool { return s.settings.Current().EnableUpload }

func (s *DriveSource) MaxRetainedCount() int {
	return s.settings.Current().MaxBackupsInCloud
}

func (s *DriveSource) Create(ctx context.Context, opts model.CreateOptions) (*model.SourceBackup, error) {
	return nil, ErrNoCreate
}

type wireFile struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Size          string            `json:"size"`
	Trashed       bool              `json:"trashed"`
	AppProperties map[string]string `json:"appProperties"`
}

func (w wireFile) record() *model.SourceBackup {
	slug := w.AppProperties[propSlug]
	if slug == "" {
		return nil
	}
	date, err := time.Parse(time.RFC3339, w.AppProperties[propDate])
	if err != nil {
		date = time.Time{}
	}
	size, _ := strconv.ParseInt(w.Size, 10, 64)
	bt := model.BackupFull
	if w.AppProperties[propType] == string(model.BackupPartial) {
		bt = model.BackupPartial
	}
	return &model.SourceBackup{
		Slug:        slug,
		Name:        w.Name,
		Date:        date,
		SizeBytes:   size,
		Type:        bt,
		Protected:   w.AppProperties[propProtected] == "true",
		Retained:    w.AppProperties[propRetained] == "true",
		Ignored:     w.AppProperties[propIgnored] == "true",
		Version:     w.AppProperties[propVersion],
		CreatedByUs: true,
	}
}

// List queries the backup folder and rebuilds the slug index.
func (s *DriveSource) List(ctx context.Context) (map[string]*model.SourceBackup, error) {
	folder, err := s.folder(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*model.SourceBackup)
	ids := make(map[string]string)
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", folder))
		q.Set("fields", "nextPageToken,files(id,name,size,trashed,appProperties)")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var resp struct {
			NextPageToken string     `json:"nextPageToken"`
			Files         []wireFile `json:"files"`
		}
		if err := s.client.RequestJSON(ctx, http.MethodGet, "/drive/v3/files?"+q.Encode(), nil, &resp); err != nil {
			return nil, fmt.Errorf("list cloud backups: %w", err)
		}
		for _, f := range resp.Files {
			record := f.record()
			if record == nil {
				// Not one of ours; leave it alone.
				continue
			}
			out[record.Slug] = record
			ids[record.Slug] = f.ID
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	s.mu.Lock()
	s.fileIDs = ids
	s.mu.Unlock()
	return out, nil
}

// Upload copies a backup archive into the folder using the resumable
// protocol. An interrupted upload leaves its session behind, and the next
// attempt for the same slug resumes instead of restarting.
func (s *DriveSource) Upload(ctx context.Context, stream io.ReadSeeker, record *model.SourceBackup) (*model.SourceBackup, error) {
	folder, err := s.folder(ctx)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"name":    record.Name + ".tar",
		"parents": []string{folder},
		"appProperties": map[string]string{
			propSlug:      record.Slug,
			propDate:      record.Date.Format(time.RFC3339),
			propType:      string(record.Type),
			propProtected: strconv.FormatBool(record.Protected),
			propRetained:  strconv.FormatBool(record.Retained),
			propVersion:   record.Version,
		},
	}

	sess, err := s.session(ctx, record.Slug, metadata, record.SizeBytes)
	if err != nil {
		return nil, err
	}

	var uploaded wireFile
	err = s.client.Upload(ctx, sess, stream, s.bucket(), nil, &uploaded)
	if err != nil {
		s.mu.Lock()
		if sess.Usable(record.Slug, s.clk.Now()) {
			// Keep the session so the next pass resumes this upload.
			s.sessions[record.Slug] = sess
		} else {
			delete(s.sessions, record.Slug)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("upload %s to cloud: %w", record.Slug, err)
	}

	s.mu.Lock()
	delete(s.sessions, record.Slug)
	s.fileIDs[record.Slug] = uploaded.ID
	s.mu.Unlock()

	s.logger.Info().Str("slug", record.Slug).Str("file_id", uploaded.ID).Msg("backup uploaded")
	result := uploaded.record()
	if result == nil {
		// The completion response omits appProperties in some cases; fall
		// back to what we sent.
		clone := *record
		return &clone, nil
	}
	return result, nil
}

// session returns a resumable session for the slug, resuming a previous one
// when the server still recognizes it.
func (s *DriveSource) session(ctx context.Context, slug string, metadata any, totalSize int64) (*remote.UploadSession, error) {
	s.mu.Lock()
	existing := s.sessions[slug]
	s.mu.Unlock()

	if existing.Usable(slug, s.clk.Now()) {
		ok, err := s.client.ResumeUpload(ctx, existing)
		if err != nil {
			return nil, err
		}
		if ok {
			s.logger.Info().Str("slug", slug).Msg("resuming interrupted upload")
			return existing, nil
		}
	}

	sess, err := s.client.StartUpload(ctx, "/upload/drive/v3/files?uploadType=resumable", metadata, totalSize, archiveMime)
	if err != nil {
		return nil, err
	}
	// StartUpload fingerprints the metadata; key the session by slug so a
	// rename doesn't orphan it.
	sess.Fingerprint = slug
	return sess, nil
}

// bucket builds the upload rate limiter from the current settings, nil when
// uploads are ungated. Tokens are bytes.
func (s *DriveSource) bucket() *ratelimit.TokenBucket {
	rate := s.settings.Current().UploadRateBytesPerSecond
	if rate <= 0 {
		return nil
	}
	capacity := float64(rate)
	if capacity < remote.BaseChunkSize {
		capacity = remote.BaseChunkSize
	}
	return ratelimit.New(s.clk, capacity, float64(rate))
}

func (s *DriveSource) Delete(ctx context.Context, slug string) error {
	id, err := s.fileID(slug)
	if err != nil {
		return err
	}
	s.logger.Info().Str("slug", slug).Msg("deleting backup from cloud")
	resp, err := s.client.Request(ctx, http.MethodDelete, "/drive/v3/files/"+id, nil)
	if err != nil {
		return fmt.Errorf("delete cloud backup %s: %w", slug, err)
	}
	resp.Body.Close()

	s.mu.Lock()
	delete(s.fileIDs, slug)
	s.mu.Unlock()
	return nil
}

// Retain writes the retained flag into the file's properties so it survives
// this process.
func (s *DriveSource) Retain(ctx context.Context, slug string, retain bool) error {
	id, err := s.fileID(slug)
	if err != nil {
		return err
	}
	body := map[string]any{
		"appProperties": map[string]string{propRetained: strconv.FormatBool(retain)},
	}
	if err := s.client.RequestJSON(ctx, http.MethodPatch, "/drive/v3/files/"+id, &remote.RequestOptions{JSON: body}, nil); err != nil {
		return fmt.Errorf("retain cloud backup %s: %w", slug, err)
	}
	return nil
}

func (s *DriveSource) Download(ctx context.Context, slug string) (io.ReadCloser, error) {
	id, err := s.fileID(slug)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Request(ctx, http.MethodGet, "/drive/v3/files/"+id+"?alt=media", nil)
	if err != nil {
		return nil, fmt.Errorf("download cloud backup %s: %w", slug, err)
	}
	return resp.Body, nil
}

// FreeSpaceBytes asks the storage quota endpoint. A quota-less account
// reports a negative value, meaning unlimited.
func (s *DriveSource) FreeSpaceBytes(ctx context.Context) (int64, error) {
	var resp struct {
		StorageQuota struct {
			Limit string `json:"limit"`
			Usage string `json:"usage"`
		} `json:"storageQuota"`
	}
	if err := s.client.RequestJSON(ctx, http.MethodGet, "/drive/v3/about?fields=storageQuota", nil, &resp); err != nil {
		return 0, fmt.Errorf("fetch storage quota: %w", err)
	}
	if resp.StorageQuota.Limit == "" {
		return -1, nil
	}
	limit, err := strconv.ParseInt(resp.StorageQuota.Limit, 10, 64)
	if err != nil {
		return -1, nil
	}
	usage, _ := strconv.ParseInt(resp.StorageQuota.Usage, 10, 64)
	return limit - usage, nil
}

func (s *DriveSource) fileID(slug string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.fileIDs[slug]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSlug, slug)
	}
	return id, nil
}

// folder finds the backup folder, creating it on first use.
func (s *DriveSource) folder(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.folderID != "" {
		id := s.folderID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	q := url.Values{}
	q.Set("q", fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false", folderName))
	q.Set("fields", "files(id)")
	var found struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	if err := s.client.RequestJSON(ctx, http.MethodGet, "/drive/v3/files?"+q.Encode(), nil, &found); err != nil {
		return "", fmt.Errorf("find backup folder: %w", err)
	}

	var id string
	if len(found.Files) > 0 {
		id = found.Files[0].ID
	} else {
		var created struct {
			ID string `json:"id"`
		}
		body := map[string]any{
			"name":     folderName,
			"mimeType": "application/vnd.google-apps.folder",
		}
		if err := s.client.RequestJSON(ctx, http.MethodPost, "/drive/v3/files", &remote.RequestOptions{JSON: body}, &created); err != nil {
			return "", fmt.Errorf("create backup folder: %w", err)
		}
		id = created.ID
		s.logger.Info().Str("folder_id", id).Msg("created backup folder")
	}

	s.mu.Lock()
	s.folderID = id
	s.mu.Unlock()
	return id, nil
}
