package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)

	assert.Equal(t, dir, GetDataDir())

	dev, err := GetDeviceCacheDir("dev1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dev1"), dev)

	info, err := os.Stat(dev)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSocketPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)

	p, err := SocketPath("abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sockets", "nearlink-abc.sock"), p)
}
