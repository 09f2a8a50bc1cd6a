package persist

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/preload/pkg/model"
)

func buildSample() *model.State {
	s := model.New(0, 0)
	s.Time = 500

	firefox := s.Exes.RegisterExe(s, "/usr/bin/firefox", false, []model.ExeMapSpec{
		{Path: "/usr/lib/libfoo.so", Offset: 0, Length: 4096, Prob: 0.9},
	}, false)
	firefox.Time = 200

	vim := s.Exes.RegisterExe(s, "/usr/bin/vim", false, nil, false)
	vim.Time = 150

	m := s.Markovs.New(s, firefox, vim, false)
	m.Weight[1][3] = 7
	m.Weight[1][1] = 7
	m.TimeToLeave[1] = 12.5

	return s
}

// S4 — state file round trip (Testable Property 6).
func TestRoundTrip_PreservesDocumentedFields(t *testing.T) {
	orig := buildSample()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, write(w, orig))
	require.NoError(t, w.Flush())

	restored, err := read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	firefox, ok := restored.Exes.Lookup("/usr/bin/firefox")
	require.True(t, ok)
	assert.Equal(t, 200.0, firefox.Time)

	vim, ok := restored.Exes.Lookup("/usr/bin/vim")
	require.True(t, ok)
	assert.Equal(t, 150.0, vim.Time)

	require.Len(t, firefox.Maps, 1)
	assert.Equal(t, "/usr/lib/libfoo.so", firefox.Maps[0].Map.Path)
	assert.Equal(t, int64(4096), firefox.Maps[0].Map.Length)
	assert.InDelta(t, 0.9, firefox.Maps[0].Prob, 1e-9)

	m, ok := restored.Markovs.Lookup(firefox, vim)
	require.True(t, ok)
	assert.Equal(t, uint64(7), m.Weight[1][3])
	assert.InDelta(t, 12.5, m.TimeToLeave[1], 1e-9)
}

func TestRoundTrip_ByteIdenticalOnRewrite(t *testing.T) {
	orig := buildSample()

	var buf1 bytes.Buffer
	w1 := bufio.NewWriter(&buf1)
	require.NoError(t, write(w1, orig))
	require.NoError(t, w1.Flush())

	restored, err := read(bytes.NewReader(buf1.Bytes()))
	require.NoError(t, err)

	var buf2 bytes.Buffer
	w2 := bufio.NewWriter(&buf2)
	require.NoError(t, write(w2, restored))
	require.NoError(t, w2.Flush())

	assert.Equal(t, buf1.String(), buf2.String(), "re-writing a freshly read state reproduces the same file")
}

func TestLoad_BadExeLinesAreLostOnRoundTrip(t *testing.T) {
	orig := model.New(0, 0)
	orig.BadExes["/tmp/tiny"] = model.BadExe{Path: "/tmp/tiny", UpdateTime: 1}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, write(w, orig))
	require.NoError(t, w.Flush())
	assert.Contains(t, buf.String(), "BADEXE\t")

	restored, err := read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Empty(t, restored.BadExes, "BADEXE entries are deliberately lost on round trip")
}

func TestLoad_RejectsMissingHeader(t *testing.T) {
	_, err := read(bytes.NewReader([]byte("MAP\t1\t0\t0\t10\t-1\tfile:///x\n")))
	assert.Error(t, err)
}

func TestLoad_RefusesNewerMajorVersion(t *testing.T) {
	_, err := read(bytes.NewReader([]byte("PRELOAD\t99.0\t0\n")))
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestLoad_OlderMajorVersionStartsFresh(t *testing.T) {
	s, err := read(bytes.NewReader([]byte("PRELOAD\t0.1\t0\nMAP\t1\t0\t0\t10\t-1\tfile:///x\n")))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Exes.Len())
	assert.Equal(t, 0, s.Maps.Len())
}

func TestLoad_SeedsSeqPastPersistedMax(t *testing.T) {
	orig := buildSample()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, write(w, orig))
	require.NoError(t, w.Flush())

	restored, err := read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	next := restored.Exes.RegisterExe(restored, "/usr/bin/fresh", true, nil, false)
	assert.Greater(t, next.Seq, orig.Exes.MaxSeq())
}
