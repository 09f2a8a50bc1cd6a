package model

import "github.com/google/btree"

// ExeMap is a weighted reference from an Exe into the MapRegistry: the
// probability that the owning exe touches this region when it runs.
type ExeMap struct {
	Map  *Map
	Prob float64
}

// Exe is a distinct on-disk executable, identified by absolute path
// (spec §3). Lnprob is a scratch field recomputed every Prophet pass; it is
// not part of the persisted state.
type Exe struct {
	Path             string
	Seq              uint64
	Size             int64
	Time             float64
	UpdateTime       float64
	RunningTimestamp float64
	ChangeTimestamp  float64
	Lnprob           float64

	Maps    []*ExeMap
	Markovs []*Markov

	// StatDev/StatIno/StatMtime cache the identity of the on-disk file the
	// exe was last validated against, for the stale-entry validator run
	// after every autosave (spec §3 Lifecycle, §4.7). Zero means "never
	// captured" — a freshly loaded exe with no baseline is given one on
	// the next validation pass rather than treated as already replaced.
	StatDev, StatIno uint64
	StatMtime        int64
}

// Running reports whether the exe is considered running right now: its
// running_timestamp is at least as new as the model's last scan tick
// (spec §3 invariant "Running predicate").
func (e *Exe) Running(state *State) bool {
	return e.RunningTimestamp >= state.LastRunningTimestamp
}

// addMap appends a new weighted reference and keeps Size in sync with the
// "Size == sum of exemap.map.length" invariant.
func (e *Exe) addMap(m *Map, prob float64) *ExeMap {
	em := &ExeMap{Map: m, Prob: prob}
	e.Maps = append(e.Maps, em)
	e.Size += m.Length
	return em
}

func (e *Exe) removeMarkov(m *Markov) {
	for i, cand := range e.Markovs {
		if cand == m {
			e.Markovs = append(e.Markovs[:i], e.Markovs[i+1:]...)
			return
		}
	}
}

type exeItem struct{ e *Exe }

func (i exeItem) Less(than btree.Item) bool {
	return i.e.Path < than.(exeItem).e.Path
}

// ExeRegistry is the set of known executables, indexed for O(1) lookup by
// path and ordered iteration for StatePersistence and debug dumps.
type ExeRegistry struct {
	tree    *btree.BTree
	byPath  map[string]*Exe
	nextSeq uint64
	maps    *MapRegistry
	markovs *MarkovSet
}

// NewExeRegistry wires the registry to the MapRegistry (for refcount
// teardown) and MarkovSet (for chain teardown) it shares ownership with.
func NewExeRegistry(seqStart uint64, maps *MapRegistry, markovs *MarkovSet) *ExeRegistry {
	return &ExeRegistry{
		tree:    btree.New(32),
		byPath:  make(map[string]*Exe),
		nextSeq: seqStart,
		maps:    maps,
		markovs: markovs,
	}
}

// Lookup returns the Exe registered at path, if any.
func (r *ExeRegistry) Lookup(path string) (*Exe, bool) {
	e, ok := r.byPath[path]
	return e, ok
}

// ExeMapSpec describes one mapped region to attach when registering a
// freshly observed exe.
type ExeMapSpec struct {
	Path   string
	Offset int64
	Length int64
	Prob   float64
}

// RegisterExe creates an Exe with the given path, interning and
// ref-counting each of its mapped regions, and (if createMarkovs) a fresh
// Markov against every exe already in the registry (spec §4.1).
//
// Precondition: path must not already be registered — a duplicate is a
// programmer error and panics, matching spec §4.1's "all operations are
// infallible except register_exe on a duplicate path".
func (r *ExeRegistry) RegisterExe(state *State, path string, running bool, maps []ExeMapSpec, createMarkovs bool) *Exe {
	if _, exists := r.byPath[path]; exists {
		panic("model: RegisterExe called with duplicate path " + path)
	}

	r.nextSeq++
	e := &Exe{
		Path:             path,
		Seq:              r.nextSeq,
		UpdateTime:       state.Time,
		ChangeTimestamp:  state.Time,
		RunningTimestamp: -1,
	}
	if running {
		e.RunningTimestamp = state.Time
	}

	for _, spec := range maps {
		m := r.maps.InternMap(spec.Path, spec.Offset, spec.Length, state.Time)
		r.maps.Ref(m)
		e.addMap(m, spec.Prob)
	}

	r.byPath[path] = e
	r.tree.ReplaceOrInsert(exeItem{e})

	if createMarkovs {
		for _, other := range r.byPath {
			if other == e {
				continue
			}
			r.markovs.New(state, other, e, true)
		}
	}

	return e
}

// LoadExe recreates an Exe exactly as StatePersistence read it off disk:
// seq, time and update_time are taken verbatim (Testable Property 6)
// instead of stamped from the live State. change_timestamp and
// running_timestamp are set to -1 (not running, no transition recorded)
// since neither is part of the persisted EXE line; the first Scan after
// load re-establishes them.
func (r *ExeRegistry) LoadExe(seq uint64, path string, time, updateTime float64) *Exe {
	e := &Exe{
		Path:             path,
		Seq:              seq,
		Time:             time,
		UpdateTime:       updateTime,
		ChangeTimestamp:  -1,
		RunningTimestamp: -1,
	}
	r.byPath[path] = e
	r.tree.ReplaceOrInsert(exeItem{e})
	return e
}

// LinkMap attaches an already-interned Map to exe with the given
// probability, ref-counting it, for use by StatePersistence's EXEMAP pass
// (spec §6), which runs after every EXE and MAP line has been read.
func (r *ExeRegistry) LinkMap(exe *Exe, m *Map, prob float64) {
	r.maps.Ref(m)
	exe.addMap(m, prob)
}

// UnregisterExe removes exe from the registry, tears down every Markov
// referencing it, and drops its refcount on every associated Map
// (spec §4.1 unregister_exe).
func (r *ExeRegistry) UnregisterExe(exe *Exe) {
	for _, m := range append([]*Markov(nil), exe.Markovs...) {
		r.markovs.Remove(m)
	}
	for _, em := range exe.Maps {
		r.maps.Unref(em.Map)
	}
	delete(r.byPath, exe.Path)
	r.tree.Delete(exeItem{exe})
}

// Len returns the number of registered exes.
func (r *ExeRegistry) Len() int { return len(r.byPath) }

// SeedSeq raises the registry's next-seq counter to at least n, so that
// exes registered after StatePersistence loads a file resume numbering
// from persisted-max+1 (spec §3 "sequence monotonicity").
func (r *ExeRegistry) SeedSeq(n uint64) {
	if n > r.nextSeq {
		r.nextSeq = n
	}
}

// Ascend visits every Exe in path order.
func (r *ExeRegistry) Ascend(f func(*Exe) bool) {
	r.tree.Ascend(func(it btree.Item) bool {
		return f(it.(exeItem).e)
	})
}

// MaxSeq returns the highest seq currently registered, 0 if empty.
func (r *ExeRegistry) MaxSeq() uint64 {
	var max uint64
	r.Ascend(func(e *Exe) bool {
		if e.Seq > max {
			max = e.Seq
		}
		return true
	})
	return max
}
