package home

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/vaultsync/internal/model"
	"github.com/edvin/vaultsync/internal/remote"
)

// Requests is the thin wire layer over the host-management API. It knows the
// endpoint shapes and nothing about reconciliation.
type Requests struct {
	logger zerolog.Logger
	client *remote.Client
}

func NewRequests(logger zerolog.Logger, client *remote.Client) *Requests {
	return &Requests{
		logger: logger.With().Str("component", "home-api").Logger(),
		client: client,
	}
}

// envelope is the host API's uniform response wrapper.
type envelope[T any] struct {
	Result string `json:"result"`
	Data   T      `json:"data"`
}

type wireBackup struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Date      time.Time `json:"date"`
	Type      string    `json:"type"`
	SizeMB    float64   `json:"size"`
	Protected bool      `json:"protected"`
	Version   string    `json:"homeassistant"`
	Content   struct {
		Folders []string `json:"folders"`
		Addons  []string `json:"addons"`
	} `json:"content"`
}

func (w wireBackup) record() *model.SourceBackup {
	bt := model.BackupFull
	if w.Type == "partial" {
		bt = model.BackupPartial
	}
	details := map[string]any{}
	if len(w.Content.Folders) > 0 {
		details["folders"] = w.Content.Folders
	}
	if len(w.Content.Addons) > 0 {
		details["addons"] = w.Content.Addons
	}
	return &model.SourceBackup{
		Slug:      w.Slug,
		Name:      w.Name,
		Date:      w.Date,
		SizeBytes: int64(w.SizeMB * 1024 * 1024),
		Type:      bt,
		Protected: w.Protected,
		Version:   w.Version,
		Details:   details,
	}
}

// ListBackups fetches the host's backups keyed by slug.
func (r *Requests) ListBackups(ctx context.Context) (map[string]*model.SourceBackup, error) {
	var resp envelope[struct {
		Backups []wireBackup `json:"backups"`
	}]
	if err := r.client.RequestJSON(ctx, http.MethodGet, "/backups", nil, &resp); err != nil {
		return nil, fmt.Errorf("list home backups: %w", err)
	}
	out := make(map[string]*model.SourceBackup, len(resp.Data.Backups))
	for _, w := range resp.Data.Backups {
		out[w.Slug] = w.record()
	}
	return out, nil
}

// Backup fetches one backup's full record.
func (r *Requests) Backup(ctx context.Context, slug string) (*model.SourceBackup, error) {
	var resp envelope[wireBackup]
	if err := r.client.RequestJSON(ctx, http.MethodGet, "/backups/"+slug+"/info", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch home backup %s: %w", slug, err)
	}
	return resp.Data.record(), nil
}

// createRequest is the body of a new-backup request.
type createRequest struct {
	Name     string   `json:"name"`
	Password string   `json:"password,omitempty"`
	Folders  []string `json:"folders,omitempty"`
	Addons   []string `json:"addons,omitempty"`
}

// CreateBackup asks the host to take a new backup. This call blocks for the
// whole creation, commonly many minutes; callers wrap it in the pending
// state machine rather than awaiting it directly.
func (r *Requests) CreateBackup(ctx context.Context, req createRequest) (string, error) {
	path := "/backups/new/full"
	if len(req.Folders) > 0 || len(req.Addons) > 0 {
		path = "/backups/new/partial"
	}
	var resp envelope[struct {
		Slug string `json:"slug"`
	}]
	err := r.client.RequestJSON(ctx, http.MethodPost, path, &remote.RequestOptions{JSON: req}, &resp)
	if err != nil {
		return "", fmt.Errorf("create home backup: %w", err)
	}
	return resp.Data.Slug, nil
}

// Delete removes a backup from the host.
func (r *Requests) Delete(ctx context.Context, slug string) error {
	if err := r.client.RequestJSON(ctx, http.MethodDelete, "/backups/"+slug, nil, nil); err != nil {
		return fmt.Errorf("delete home backup %s: %w", slug, err)
	}
	return nil
}

// Download opens a backup archive stream. The caller closes it.
func (r *Requests) Download(ctx context.Context, slug string) (io.ReadCloser, error) {
	resp, err := r.client.Request(ctx, http.MethodGet, "/backups/"+slug+"/download", nil)
	if err != nil {
		return nil, fmt.Errorf("download home backup %s: %w", slug, err)
	}
	return resp.Body, nil
}

// Upload restores a backup archive onto the host and returns its slug.
func (r *Requests) Upload(ctx context.Context, stream io.ReadSeeker) (string, error) {
	var resp envelope[struct {
		Slug string `json:"slug"`
	}]
	opts := &remote.RequestOptions{
		Body:    stream,
		Headers: map[string]string{"Content-Type": "application/tar"},
	}
	if err := r.client.RequestJSON(ctx, http.MethodPost, "/backups/new/upload", opts, &resp); err != nil {
		return "", fmt.Errorf("upload backup to home: %w", err)
	}
	return resp.Data.Slug, nil
}

// HostInfo fetches host metadata for backup naming and the status surface.
func (r *Requests) HostInfo(ctx context.Context) (HostInfo, error) {
	var resp envelope[HostInfo]
	if err := r.client.RequestJSON(ctx, http.MethodGet, "/host/info", nil, &resp); err != nil {
		return HostInfo{}, fmt.Errorf("fetch host info: %w", err)
	}
	return resp.Data, nil
}
