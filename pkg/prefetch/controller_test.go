package prefetch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/preload/pkg/model"
)

func mkMap(path string, offset, length int64) *model.Map {
	return &model.Map{Path: path, Offset: offset, Length: length, Block: -1}
}

func TestDedupeByRegion_TakesMaxBid(t *testing.T) {
	m := mkMap("/bin/a", 0, 100)
	out := dedupeByRegion([]Candidate{
		{Map: m, Bid: 0.2},
		{Map: m, Bid: 0.9},
		{Map: m, Bid: 0.5},
	})
	require.Len(t, out, 1)
	assert.InDelta(t, 0.9, out[0].Bid, 1e-9)
}

func TestSortCandidates_Path(t *testing.T) {
	candidates := []Candidate{
		{Map: mkMap("/b/x", 0, 10)},
		{Map: mkMap("/a/x", 100, 10)},
		{Map: mkMap("/a/x", 0, 20)},
		{Map: mkMap("/a/x", 0, 10)},
	}
	sortCandidates(candidates, SortPath)
	assert.Equal(t, "/a/x", candidates[0].Map.Path)
	assert.Equal(t, int64(0), candidates[0].Map.Offset)
	assert.Equal(t, int64(20), candidates[0].Map.Length, "same offset sorts longer length first")
	assert.Equal(t, int64(100), candidates[2].Map.Offset)
	assert.Equal(t, "/b/x", candidates[3].Map.Path)
}

// Testable property 8: sort-then-coalesce idempotence.
func TestCoalesce_Idempotent(t *testing.T) {
	candidates := []Candidate{
		{Map: mkMap("/bin/a", 0, 100)},
		{Map: mkMap("/bin/a", 100, 50)},
		{Map: mkMap("/bin/a", 500, 10)},
	}
	sortCandidates(candidates, SortPath)
	once := coalesce(candidates)
	require.Len(t, once, 2)
	assert.Equal(t, region{"/bin/a", 0, 150}, once[0])
	assert.Equal(t, region{"/bin/a", 500, 10}, once[1])

	// Re-run sort+coalesce on the coalesced regions reinterpreted as
	// candidates; must be a fixed point.
	again := make([]Candidate, len(once))
	for i, r := range once {
		again[i] = Candidate{Map: mkMap(r.path, r.offset, r.length)}
	}
	sortCandidates(again, SortPath)
	twice := coalesce(again)
	assert.Equal(t, once, twice)
}

type fakePrefetcher struct {
	mu    sync.Mutex
	calls []region
	err   error
}

func (f *fakePrefetcher) Prefetch(path string, offset, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, region{path, offset, length})
	return f.err
}

// S6 — prefetch fallback: even when the primitive always errors, the
// controller must still "issue" the call once per coalesced region and
// never surface a fatal error.
func TestController_Submit_AdvisoryFailuresNeverFatal(t *testing.T) {
	fp := &fakePrefetcher{err: assertErr{}}
	c := &Controller{Prefetcher: fp, Strategy: SortPath, Parallelism: 4}

	candidates := []Candidate{
		{Map: mkMap("/bin/a", 0, 100), Bid: 0.9},
		{Map: mkMap("/bin/a", 100, 50), Bid: 0.5},
		{Map: mkMap("/bin/b", 0, 10), Bid: 0.1},
	}
	n, err := c.Submit(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, fp.calls, 2)
}

func TestController_Submit_Inline(t *testing.T) {
	fp := &fakePrefetcher{}
	c := &Controller{Prefetcher: fp, Strategy: SortNone, Parallelism: 0}
	n, err := c.Submit(context.Background(), []Candidate{{Map: mkMap("/bin/a", 0, 10), Bid: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, fp.calls, 1)
}

type assertErr struct{}

func (assertErr) Error() string { return "advisory failure" }
