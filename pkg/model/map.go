package model

import "github.com/google/btree"

// Map is an interned, reference-counted mapped region: a byte range of a
// named file that one or more running exes have touched via mmap. Identity
// is the triple (path, offset, length); see spec §3.
type Map struct {
	Path       string
	Offset     int64
	Length     int64
	Refcount   int
	Seq        uint64
	UpdateTime float64

	// Block caches a resolved block number for the prefetch controller's
	// Inode/Block sort strategies. -1 means unknown.
	Block int64
}

type mapItem struct{ m *Map }

func (i mapItem) Less(than btree.Item) bool {
	o := than.(mapItem).m
	if i.m.Path != o.Path {
		return i.m.Path < o.Path
	}
	if i.m.Offset != o.Offset {
		return i.m.Offset < o.Offset
	}
	return i.m.Length < o.Length
}

type mapKey struct {
	path          string
	offset, length int64
}

// MapRegistry interns (path, offset, length) regions with reference counts
// and stable, strictly increasing sequence numbers (spec §3, §4.1).
type MapRegistry struct {
	tree    *btree.BTree
	byKey   map[mapKey]*Map
	nextSeq uint64
}

// NewMapRegistry builds an empty registry. seqStart lets StatePersistence
// resume sequence numbering after the highest seq found in a loaded state
// file, per spec's "sequence monotonicity" invariant.
func NewMapRegistry(seqStart uint64) *MapRegistry {
	return &MapRegistry{
		tree:    btree.New(32),
		byKey:   make(map[mapKey]*Map),
		nextSeq: seqStart,
	}
}

func (r *MapRegistry) keyOf(path string, offset, length int64) mapKey {
	return mapKey{path: path, offset: offset, length: length}
}

// Lookup returns the existing Map for (path, offset, length), if any.
func (r *MapRegistry) Lookup(path string, offset, length int64) (*Map, bool) {
	m, ok := r.byKey[r.keyOf(path, offset, length)]
	return m, ok
}

// InternMap returns the existing equivalent Map, or creates a new one with
// refcount 0 (spec §4.1 intern_map). The caller is expected to call Ref on
// it immediately if it intends to keep it alive.
func (r *MapRegistry) InternMap(path string, offset, length int64, updateTime float64) *Map {
	if m, ok := r.Lookup(path, offset, length); ok {
		return m
	}
	r.nextSeq++
	m := &Map{
		Path:       path,
		Offset:     offset,
		Length:     length,
		Seq:        r.nextSeq,
		UpdateTime: updateTime,
		Block:      -1,
	}
	r.byKey[r.keyOf(path, offset, length)] = m
	r.tree.ReplaceOrInsert(mapItem{m})
	return m
}

// LoadMap recreates a Map exactly as StatePersistence read it off disk,
// preserving its seq instead of assigning a fresh one (Testable Property 6:
// map.seq survives a write/read round trip). refcount starts at 0; callers
// ref it once per EXEMAP line that references it.
func (r *MapRegistry) LoadMap(seq uint64, path string, offset, length int64, updateTime float64) *Map {
	m := &Map{
		Path:       path,
		Offset:     offset,
		Length:     length,
		Seq:        seq,
		UpdateTime: updateTime,
		Block:      -1,
	}
	r.byKey[r.keyOf(path, offset, length)] = m
	r.tree.ReplaceOrInsert(mapItem{m})
	return m
}

// Ref increments a Map's refcount, registering it on the 0->1 transition
// (it is already present in the registry from InternMap, so "register"
// here means "becomes reachable"; nothing further is required, but the
// transition is where spec's reference discipline first starts counting).
func (r *MapRegistry) Ref(m *Map) {
	m.Refcount++
}

// Unref decrements a Map's refcount, destroying (removing from the
// registry) on the 1->0 transition.
func (r *MapRegistry) Unref(m *Map) {
	if m.Refcount == 0 {
		return
	}
	m.Refcount--
	if m.Refcount == 0 {
		key := r.keyOf(m.Path, m.Offset, m.Length)
		delete(r.byKey, key)
		r.tree.Delete(mapItem{m})
	}
}

// Len returns the number of interned maps (refcount>0 or not — every Map
// reachable through the registry, matching the "destroyed iff refcount
// reaches 0" invariant: once destroyed it is no longer counted here).
func (r *MapRegistry) Len() int { return len(r.byKey) }

// SeedSeq raises the registry's next-seq counter to at least n (spec §3
// "sequence monotonicity" across a restart), mirroring ExeRegistry.SeedSeq.
func (r *MapRegistry) SeedSeq(n uint64) {
	if n > r.nextSeq {
		r.nextSeq = n
	}
}

// Ascend visits every Map in (path, offset, length) order.
func (r *MapRegistry) Ascend(f func(*Map) bool) {
	r.tree.Ascend(func(it btree.Item) bool {
		return f(it.(mapItem).m)
	})
}

// MaxSeq returns the highest seq currently interned, 0 if empty.
func (r *MapRegistry) MaxSeq() uint64 {
	var max uint64
	r.Ascend(func(m *Map) bool {
		if m.Seq > max {
			max = m.Seq
		}
		return true
	})
	return max
}
