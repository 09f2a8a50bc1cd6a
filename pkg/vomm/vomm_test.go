package vomm

import (
	"bytes"
	"testing"

	"github.com/ja7ad/preload/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExe(path string) *model.Exe {
	s := model.New(0, 0)
	return s.Exes.RegisterExe(s, path, true, nil, false)
}

// S1 — VOMM root has a child A (the context the sequence starts from), with
// root->A->B count >= 1. A immediately following itself is recorded one
// level down, as root->A->A, not as a second root child.
func TestTree_UpdateBuildsBigrams(t *testing.T) {
	a := newExe("/usr/bin/A")
	b := newExe("/usr/bin/B")

	tr := New()
	tr.Update(a)
	tr.Update(a)
	tr.Update(b)

	require.Contains(t, tr.Root().Children, a.Path)
	assert.Equal(t, uint64(1), tr.Root().Children[a.Path].Count, "root->A is the single top-level deep-context entry")

	ab := tr.Root().Children[a.Path].Children[b.Path]
	require.NotNil(t, ab)
	assert.GreaterOrEqual(t, ab.Count, uint64(1))

	aa := tr.Root().Children[a.Path].Children[a.Path]
	require.NotNil(t, aa, "a immediately repeating is also recorded under root->A")
	assert.GreaterOrEqual(t, aa.Count, uint64(1))
}

func TestTree_HistoryWindowBounded(t *testing.T) {
	tr := New()
	var exes []*model.Exe
	for i := 0; i < MaxDepth+3; i++ {
		e := newExe("/bin/p" + string(rune('A'+i)))
		exes = append(exes, e)
		tr.Update(e)
	}
	assert.Len(t, tr.History(), MaxDepth)
	assert.Equal(t, exes[len(exes)-1], tr.History()[MaxDepth-1])
}

func TestHydrateFromMarkov(t *testing.T) {
	s := model.New(0, 0)
	a := s.Exes.RegisterExe(s, "/usr/bin/A", true, nil, false)
	b := s.Exes.RegisterExe(s, "/usr/bin/B", true, nil, false)
	m := s.Markovs.New(s, a, b, false)
	m.Weight[1][3] = 7
	m.Weight[2][3] = 2

	tr := New()
	HydrateFromMarkov(tr, s.Markovs)

	ab := tr.Root().Children[a.Path].Children[b.Path]
	require.NotNil(t, ab)
	assert.Equal(t, uint64(7), ab.Count)

	ba := tr.Root().Children[b.Path].Children[a.Path]
	require.NotNil(t, ba)
	assert.Equal(t, uint64(2), ba.Count)
}

func TestExportImportRoundTrip(t *testing.T) {
	a := newExe("/usr/bin/A")
	b := newExe("/usr/bin/B")

	tr := New()
	tr.Update(a)
	tr.Update(b)
	tr.Update(a)

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, tr))

	lookup := map[string]*model.Exe{a.Path: a, b.Path: b}
	imported, err := Import(&buf, func(p string) (*model.Exe, bool) {
		e, ok := lookup[p]
		return e, ok
	})
	require.NoError(t, err)

	assert.Equal(t, tr.Root().Children[a.Path].Count, imported.Root().Children[a.Path].Count)
	assert.Equal(t, tr.Root().Children[b.Path].Count, imported.Root().Children[b.Path].Count)
}

func TestImportRejectsOrphans(t *testing.T) {
	data := "VOMM1\n0\t-1\t\t0\n5\t3\t/usr/bin/X\t1\n"
	_, err := Import(bytes.NewBufferString(data), func(string) (*model.Exe, bool) { return nil, false })
	assert.Error(t, err)
}
