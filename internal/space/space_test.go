package space

import (
	"errors"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFakeStatfs(t *testing.T, fn func(path string, stat *syscall.Statfs_t) error) {
	t.Helper()
	orig := statfs
	statfs = fn
	t.Cleanup(func() { statfs = orig })
}

func TestCheck_RefusesWhenTooLittleFree(t *testing.T) {
	withFakeStatfs(t, func(path string, stat *syscall.Statfs_t) error {
		stat.Bavail = 100
		stat.Bsize = 1024
		return nil
	})

	e := NewEstimator(zerolog.Nop(), "/data", 0)
	err := e.Check(200 * 1024)
	require.Error(t, err)
	assert.True(t, IsLowSpace(err))

	var lowErr *LowSpaceError
	require.True(t, errors.As(err, &lowErr))
	assert.Equal(t, int64(100*1024), lowErr.FreeBytes)
}

func TestCheck_HeadroomCountsAgainstFree(t *testing.T) {
	withFakeStatfs(t, func(path string, stat *syscall.Statfs_t) error {
		stat.Bavail = 100
		stat.Bsize = 1024
		return nil
	})

	e := NewEstimator(zerolog.Nop(), "/data", 50*1024)
	assert.NoError(t, e.Check(40*1024))
	assert.Error(t, e.Check(60*1024))
}

func TestCheck_UnreadableFilesystemDoesNotBlock(t *testing.T) {
	withFakeStatfs(t, func(path string, stat *syscall.Statfs_t) error {
		return errors.New("boom")
	})

	e := NewEstimator(zerolog.Nop(), "/data", 0)
	assert.NoError(t, e.Check(1<<40))
}

func TestFreeBytes_RealFilesystem(t *testing.T) {
	e := NewEstimator(zerolog.Nop(), t.TempDir(), 0)
	free, err := e.FreeBytes()
	require.NoError(t, err)
	assert.Greater(t, free, int64(0))
}
