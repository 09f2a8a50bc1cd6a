// Package prefetch implements the Prefetch Controller of spec.md §4.5:
// sorting candidate regions for disk locality, coalescing adjacent ones,
// and submitting them to the kernel through a bounded worker pool.
package prefetch

import (
	"context"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/ja7ad/preload/pkg/model"
)

// Candidate is one (Map, bid) pair produced by Prophet (spec §4.4).
type Candidate struct {
	Map *model.Map
	Bid float64
}

// Prefetcher is the abstract collaborator of spec.md §1: an advisory hint
// that the kernel should populate its page cache for [offset, offset+length)
// of path. Errors are always local and advisory (spec §4.5, §7).
type Prefetcher interface {
	Prefetch(path string, offset, length int64) error
}

// BlockResolver backs the Inode and Block sort strategies (spec §4.5).
type BlockResolver interface {
	ResolveInode(path string) (int64, error)
	ResolveBlock(path string, offset int64) (int64, error)
}

// SortStrategy selects how candidates are ordered before coalescing and
// submission (spec §4.5, §6 "sortstrategy").
type SortStrategy int

const (
	SortNone SortStrategy = iota
	SortPath
	SortInode
	SortBlock
)

// ParseSortStrategy maps the config's numeric sortstrategy option
// (spec §6) onto a SortStrategy, clamping out-of-range values to SortBlock
// (the documented default) with the caller expected to log a warning.
func ParseSortStrategy(n int) SortStrategy {
	switch n {
	case 0:
		return SortNone
	case 1:
		return SortPath
	case 2:
		return SortInode
	case 3:
		return SortBlock
	default:
		return SortBlock
	}
}

// Controller sorts, coalesces, and submits prefetch candidates within a
// bounded worker pool (spec §4.5, §5).
type Controller struct {
	Prefetcher  Prefetcher
	Resolver    BlockResolver
	Strategy    SortStrategy
	Parallelism int // P; 0 = inline, no parallelism (spec §5)
}

// region is a coalesced, submittable [offset, offset+length) slice of path.
type region struct {
	path          string
	offset, length int64
}

// Submit sorts and coalesces candidates, then issues a prefetch per
// resulting region, returning the count of regions submitted. It never
// returns a fatal error: failures are advisory, and the controller
// discards every error the Prefetcher returns (spec §4.5).
func (c *Controller) Submit(ctx context.Context, candidates []Candidate) (int, error) {
	deduped := dedupeByRegion(candidates)
	c.resolveBlocks(deduped)
	sortCandidates(deduped, c.Strategy)
	regions := coalesce(deduped)

	if c.Parallelism <= 0 {
		for _, r := range regions {
			_ = c.Prefetcher.Prefetch(r.path, r.offset, r.length)
		}
		return len(regions), nil
	}

	sem := semaphore.NewWeighted(int64(c.Parallelism))
	submitted := 0
	for _, r := range regions {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context canceled (e.g. terminate signal mid-cycle): stop
			// issuing new work, report what was already submitted.
			break
		}
		submitted++
		r := r
		go func() {
			defer sem.Release(1)
			_ = c.Prefetcher.Prefetch(r.path, r.offset, r.length)
		}()
	}
	// Drain: wait for every outstanding worker before returning, so the
	// caller can safely reuse the Candidate slice on the next cycle.
	if err := sem.Acquire(ctx, int64(c.Parallelism)); err == nil {
		sem.Release(int64(c.Parallelism))
	}

	return submitted, nil
}

func dedupeByRegion(candidates []Candidate) []Candidate {
	type key struct {
		path           string
		offset, length int64
	}
	best := make(map[key]int, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		k := key{c.Map.Path, c.Map.Offset, c.Map.Length}
		if idx, ok := best[k]; ok {
			if c.Bid > out[idx].Bid {
				out[idx].Bid = c.Bid
			}
			continue
		}
		best[k] = len(out)
		out = append(out, c)
	}
	return out
}

func (c *Controller) resolveBlocks(candidates []Candidate) {
	if c.Strategy != SortInode && c.Strategy != SortBlock {
		return
	}
	if c.Resolver == nil {
		return
	}
	for _, cand := range candidates {
		m := cand.Map
		if m.Block != -1 {
			continue
		}
		if c.Strategy == SortBlock {
			if b, err := c.Resolver.ResolveBlock(m.Path, m.Offset); err == nil {
				m.Block = b
				continue
			}
			// Fall back to inode on any resolution error.
		}
		if b, err := c.Resolver.ResolveInode(m.Path); err == nil {
			m.Block = b
		}
	}
}

func sortCandidates(candidates []Candidate, strategy SortStrategy) {
	switch strategy {
	case SortNone:
		// Candidate order preserved (good for flash, spec §4.5).
	case SortPath:
		sort.SliceStable(candidates, func(i, j int) bool {
			return lessByPath(candidates[i].Map, candidates[j].Map)
		})
	case SortInode, SortBlock:
		sort.SliceStable(candidates, func(i, j int) bool {
			return lessByBlock(candidates[i].Map, candidates[j].Map)
		})
	}
}

func lessByPath(a, b *model.Map) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Length > b.Length // length_desc
}

func lessByBlock(a, b *model.Map) bool {
	if a.Block != b.Block {
		return a.Block < b.Block
	}
	return lessByPath(a, b)
}

// coalesce merges adjacent candidates (in the already-sorted order) that
// share a path and whose byte ranges touch or overlap, per spec §4.5.
func coalesce(candidates []Candidate) []region {
	out := make([]region, 0, len(candidates))
	for _, c := range candidates {
		m := c.Map
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.path == m.Path && m.Offset >= prev.offset && m.Offset <= prev.offset+prev.length {
				end := m.Offset + m.Length
				if end > prev.offset+prev.length {
					prev.length = end - prev.offset
				}
				continue
			}
		}
		out = append(out, region{path: m.Path, offset: m.Offset, length: m.Length})
	}
	return out
}
