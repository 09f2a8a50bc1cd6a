//go:build linux

package procsrc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawMeminfoProbe_ReadsRealProc(t *testing.T) {
	if _, err := os.Stat("/proc/meminfo"); err != nil {
		t.Skip("no /proc/meminfo on this host")
	}
	p := NewRawMeminfoProbe()
	stat, err := p.Read()
	require.NoError(t, err)
	assert.Greater(t, stat.Total, int64(0))
	assert.GreaterOrEqual(t, stat.Free, int64(0))
}
