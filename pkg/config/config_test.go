package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempIni(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "preload.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c := Defaults()
	assert.Equal(t, 20.0, c.Cycle)
	assert.True(t, c.UseCorrelation)
	assert.Equal(t, int64(2_000_000), c.MinSize)
	assert.Equal(t, 3, c.SortStrategy)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempIni(t, `
[model]
cycle = 30
usecorrelation = false
minsize = 1000

[system]
processes = 4
sortstrategy = 1
`)
	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 30.0, c.Cycle)
	assert.False(t, c.UseCorrelation)
	assert.Equal(t, int64(1000), c.MinSize)
	assert.Equal(t, 4, c.Processes)
	assert.Equal(t, 1, c.SortStrategy)
}

func TestLoad_ClampsOutOfRangeToDefault(t *testing.T) {
	path := writeTempIni(t, `
[model]
memtotal = -500

[system]
sortstrategy = 9
`)
	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults().MemTotalPct, c.MemTotalPct)
	assert.Equal(t, Defaults().SortStrategy, c.SortStrategy)
}

func TestPrefixMatch_FirstMatchWinsNoMatchAccepts(t *testing.T) {
	list := compilePrefixList("/usr/;/lib;/var/cache/;!/")
	assert.True(t, Match(list, "/usr/bin/vim"))
	assert.True(t, Match(list, "/lib/libc.so"))
	assert.False(t, Match(list, "/etc/passwd"), "falls through to the reject-everything-else catchall")
	assert.True(t, Match(nil, "/anything"), "an empty list accepts everything")
}

func TestCompilePrefixList_IgnoresBlankTokens(t *testing.T) {
	list := compilePrefixList(" /a ; ; /b ")
	require.Len(t, list, 2)
	assert.Equal(t, "/a", list[0].Value)
	assert.Equal(t, "/b", list[1].Value)
}
