package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/vaultsync/internal/engine"
	"github.com/edvin/vaultsync/internal/model"
)

type fakeStatus struct {
	status engine.Status
}

func (f *fakeStatus) Status() engine.Status { return f.status }

func TestHandleStatus(t *testing.T) {
	status := &fakeStatus{status: engine.Status{
		LastSync:  time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		NextSync:  time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC),
		LastError: "host unreachable",
		Backups: []engine.BackupStatus{{
			Slug:    "abc",
			Name:    "Nightly",
			State:   "backed up",
			Sources: []model.SourceName{model.SourceHome, model.SourceCloud},
		}},
	}}
	srv := NewServer(zerolog.Nop(), status, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got engine.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "host unreachable", got.LastError)
	require.Len(t, got.Backups, 1)
	assert.Equal(t, "abc", got.Backups[0].Slug)
}

func TestHandleBackups_EmptyIsAList(t *testing.T) {
	srv := NewServer(zerolog.Nop(), &fakeStatus{}, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/backups", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestHandleSync_TriggersWorker(t *testing.T) {
	triggered := 0
	srv := NewServer(zerolog.Nop(), &fakeStatus{}, func() { triggered++ })

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", nil))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, triggered)

	// The trigger endpoint is POST-only.
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthz(t *testing.T) {
	srv := NewServer(zerolog.Nop(), &fakeStatus{}, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
