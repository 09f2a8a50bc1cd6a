package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Foreground_WritesToStderr(t *testing.T) {
	l, err := New("", true)
	require.NoError(t, err)
	assert.NotNil(t, l.Logger)
	assert.Equal(t, os.Stderr, l.Logger.Out)
}

func TestNew_FilePath_CreatesAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preload.log")
	l, err := New(path, false)
	require.NoError(t, err)
	defer l.Close()

	l.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestReopen_SwapsUnderlyingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preload.log")
	l, err := New(path, false)
	require.NoError(t, err)
	defer l.Close()

	l.Info("before rotate")
	require.NoError(t, os.Rename(path, path+".1"))

	require.NoError(t, l.Reopen())
	l.Info("after rotate")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after rotate")
	assert.NotContains(t, string(data), "before rotate")
}

func TestReopen_NoopOnStderrLogger(t *testing.T) {
	l, err := New("", true)
	require.NoError(t, err)
	assert.NoError(t, l.Reopen())
}
