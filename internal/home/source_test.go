package home

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vaultsync/internal/config"
	"github.com/edvin/vaultsync/internal/faketime"
	"github.com/edvin/vaultsync/internal/model"
	"github.com/edvin/vaultsync/internal/remote"
	"github.com/edvin/vaultsync/internal/space"
	"github.com/edvin/vaultsync/internal/state"
)

// fakeHost fakes the host-management API.
type fakeHost struct {
	mu      sync.Mutex
	backups map[string]map[string]any

	createCalls atomic.Int32
	// createGate, when set, blocks creation until closed.
	createGate chan struct{}
	// createStatus, when non-zero, is returned instead of creating.
	createStatus int
	nextSlug     string
	uploadSlug   string
}

func newFakeHost() *fakeHost {
	return &fakeHost{backups: make(map[string]map[string]any), nextSlug: "slug-new"}
}

func (f *fakeHost) addBackup(slug, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backups[slug] = map[string]any{
		"slug": slug,
		"name": name,
		"date": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		"type": "full",
		"size": 12.5,
	}
}

func (f *fakeHost) handler() http.Handler {
	writeData := func(w http.ResponseWriter, data any) {
		json.NewEncoder(w).Encode(map[string]any{"result": "ok", "data": data})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/backups":
			f.mu.Lock()
			list := make([]map[string]any, 0, len(f.backups))
			for _, b := range f.backups {
				list = append(list, b)
			}
			f.mu.Unlock()
			writeData(w, map[string]any{"backups": list})
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/info"):
			slug := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/backups/"), "/info")
			f.mu.Lock()
			b, ok := f.backups[slug]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeData(w, b)
		case r.Method == http.MethodPost && r.URL.Path == "/backups/new/full":
			f.createCalls.Add(1)
			if f.createStatus != 0 {
				w.WriteHeader(f.createStatus)
				return
			}
			if f.createGate != nil {
				<-f.createGate
			}
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			f.addBackup(f.nextSlug, fmt.Sprint(req["name"]))
			writeData(w, map[string]any{"slug": f.nextSlug})
		case r.Method == http.MethodPost && r.URL.Path == "/backups/new/upload":
			writeData(w, map[string]any{"slug": f.uploadSlug})
		case r.Method == http.MethodDelete:
			slug := strings.TrimPrefix(r.URL.Path, "/backups/")
			f.mu.Lock()
			delete(f.backups, slug)
			f.mu.Unlock()
			writeData(w, map[string]any{})
		case r.Method == http.MethodGet && r.URL.Path == "/host/info":
			writeData(w, map[string]any{"hostname": "homebox"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestSource(t *testing.T, host *fakeHost, clk clock.Clock) *Source {
	t.Helper()
	return newTestSourceSettings(t, host, clk, "")
}

func newTestSourceSettings(t *testing.T, host *fakeHost, clk clock.Clock, settingsYAML string) *Source {
	t.Helper()
	srv := httptest.NewServer(host.handler())
	t.Cleanup(srv.Close)

	client := remote.NewClient(zerolog.Nop(), clk, remote.Options{
		BaseURL:    srv.URL,
		Tokens:     remote.StaticToken("token"),
		HTTPClient: &http.Client{},
	})
	settingsPath := ""
	if settingsYAML != "" {
		settingsPath = filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(settingsPath, []byte(settingsYAML), 0o600))
	}
	settings, err := config.NewStore(zerolog.Nop(), settingsPath)
	require.NoError(t, err)
	markers, err := state.Open(zerolog.Nop(), filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	estimator := space.NewEstimator(zerolog.Nop(), t.TempDir(), 0)

	src := New(zerolog.Nop(), clk, NewRequests(zerolog.Nop(), client), settings, markers, estimator, nil)
	// Wait out any detached watcher before the TempDirs above are removed,
	// so its marker writes don't race the cleanup.
	t.Cleanup(func() {
		src.mu.Lock()
		p := src.pending
		src.mu.Unlock()
		if p != nil {
			<-p.done
		}
	})
	return src
}

func TestList_AppliesMarkers(t *testing.T) {
	host := newFakeHost()
	host.addBackup("abc", "Nightly")
	src := newTestSource(t, host, clock.WallClock)
	require.NoError(t, src.markers.SetRetained("abc", true))
	require.NoError(t, src.markers.MarkCreatedByUs("abc"))

	listing, err := src.List(context.Background())
	require.NoError(t, err)
	require.Contains(t, listing, "abc")
	assert.True(t, listing["abc"].Retained)
	assert.True(t, listing["abc"].CreatedByUs)
	assert.Equal(t, int64(12.5*1024*1024), listing["abc"].SizeBytes)
}

func TestCreate_CompletesWithinBoundedWait(t *testing.T) {
	host := newFakeHost()
	src := newTestSource(t, host, clock.WallClock)

	record, err := src.Create(context.Background(), model.CreateOptions{
		Retain: map[model.SourceName]bool{model.SourceHome: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "slug-new", record.Slug)
	assert.True(t, record.CreatedByUs)
	assert.True(t, record.Retained, "retain option persisted before completion published")
}

func TestCreate_SingleFlight(t *testing.T) {
	host := newFakeHost()
	host.createGate = make(chan struct{})
	defer close(host.createGate)
	clk := faketime.New(time.Now())
	src := newTestSource(t, host, clk)

	record, err := src.Create(context.Background(), model.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, PendingSlug, record.Slug, "unfinished create returns the placeholder")

	// The watcher issues the request detached from Create, so wait for it
	// to reach the host before checking nothing else does.
	require.Eventually(t, func() bool {
		return host.createCalls.Load() == 1
	}, time.Second, 5*time.Millisecond, "first create reaches the host")

	_, err = src.Create(context.Background(), model.CreateOptions{})
	require.ErrorIs(t, err, ErrBackupInProgress)
	assert.Equal(t, int32(1), host.createCalls.Load(), "second create makes no network call")
}

func TestCreate_WatchTimeoutBecomesSubverted(t *testing.T) {
	host := newFakeHost()
	host.createGate = make(chan struct{})
	defer close(host.createGate)
	src := newTestSourceSettings(t, host, clock.WallClock, "pending_backup_timeout: 50ms\n")

	_, err := src.Create(context.Background(), model.CreateOptions{})
	require.ErrorIs(t, err, ErrBackupInProgress, "an unresolvable wait surfaces like a takeover")

	// The timed-out entry is already past the pending timeout, so the next
	// listing discards it instead of parking it as failed.
	listing, err := src.List(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, listing, PendingSlug)
}

func TestCreate_HostAlreadyBusyIsBackupInProgress(t *testing.T) {
	host := newFakeHost()
	host.createStatus = http.StatusBadRequest
	src := newTestSource(t, host, clock.WallClock)

	_, err := src.Create(context.Background(), model.CreateOptions{})
	require.ErrorIs(t, err, ErrBackupInProgress)
}

func TestCreate_FailureSurfaces(t *testing.T) {
	host := newFakeHost()
	host.createStatus = http.StatusTeapot
	src := newTestSource(t, host, clock.WallClock)

	_, err := src.Create(context.Background(), model.CreateOptions{})
	require.Error(t, err)
	assert.True(t, remote.IsAPI(err, remote.ProtocolError))
}

func TestList_SubversionReplacesPending(t *testing.T) {
	host := newFakeHost()
	host.addBackup("abc", "Existing")
	host.createGate = make(chan struct{})
	defer close(host.createGate)
	clk := faketime.New(time.Now())
	src := newTestSource(t, host, clk)
	ctx := context.Background()

	_, err := src.List(ctx)
	require.NoError(t, err)

	record, err := src.Create(ctx, model.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, PendingSlug, record.Slug)

	listing, err := src.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, listing, PendingSlug, "pending placeholder visible while waiting")

	// A backup we never asked for shows up.
	host.addBackup("intruder", "Manual backup")
	listing, err = src.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, listing, "intruder")
	assert.NotContains(t, listing, PendingSlug, "placeholder dropped, the real record wins")
}

func TestList_StaleSubvertedPendingIsDiscarded(t *testing.T) {
	host := newFakeHost()
	host.createStatus = http.StatusBadRequest
	clk := faketime.New(time.Now())
	src := newTestSource(t, host, clk)
	ctx := context.Background()

	src.Create(ctx, model.CreateOptions{})
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.pending != nil && src.pending.subverted
	}, time.Second, 5*time.Millisecond)

	listing, err := src.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, listing, PendingSlug)

	clk.Advance(20 * time.Hour)
	listing, err = src.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, listing, PendingSlug)
}

func TestList_FailedPendingClearsAfterTimeout(t *testing.T) {
	host := newFakeHost()
	host.createStatus = http.StatusTeapot
	clk := faketime.New(time.Now())
	src := newTestSource(t, host, clk)
	ctx := context.Background()

	src.Create(ctx, model.CreateOptions{})
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.pending != nil && src.pending.failed
	}, time.Second, 5*time.Millisecond)

	listing, err := src.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, listing, PendingSlug, "failed pending stays visible until the timeout")

	clk.Advance(31 * time.Minute)
	listing, err = src.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, listing, PendingSlug)

	// With the failed entry cleared a new attempt is allowed.
	host.createStatus = 0
	_, err = src.Create(ctx, model.CreateOptions{})
	require.NoError(t, err)
}

func TestUpload_SlugMismatch(t *testing.T) {
	host := newFakeHost()
	host.uploadSlug = "other"
	src := newTestSource(t, host, clock.WallClock)

	_, err := src.Upload(context.Background(), strings.NewReader("bytes"), &model.SourceBackup{Slug: "abc"})
	require.ErrorIs(t, err, ErrSlugMismatch)
}

func TestUpload_MarksRestoredBackupRetained(t *testing.T) {
	host := newFakeHost()
	host.uploadSlug = "abc"
	host.addBackup("abc", "Restored")
	src := newTestSource(t, host, clock.WallClock)

	record, err := src.Upload(context.Background(), strings.NewReader("bytes"), &model.SourceBackup{Slug: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", record.Slug)
	assert.True(t, src.markers.Get("abc").Retained)
}
