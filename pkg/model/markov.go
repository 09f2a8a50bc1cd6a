package model

import (
	"math"

	"github.com/google/btree"
)

// Markov tracks the joint running status of two exes as a continuous-time
// 4-state machine: state = (a_running?1:0) | (b_running?2:0) (spec §4.2).
type Markov struct {
	A, B            *Exe
	Time            float64 // seconds both ran simultaneously (state 3)
	TimeToLeave     [4]float64
	Weight          [4][4]uint64
	State           int
	ChangeTimestamp float64
}

type pairKey struct{ a, b string }

func normalizedKey(aPath, bPath string) pairKey {
	if aPath <= bPath {
		return pairKey{aPath, bPath}
	}
	return pairKey{bPath, aPath}
}

type markovItem struct{ m *Markov }

func (i markovItem) Less(than btree.Item) bool {
	o := than.(markovItem).m
	ap, bp := i.m.A.Path, i.m.B.Path
	op, oq := o.A.Path, o.B.Path
	if ap != op {
		return ap < op
	}
	return bp < oq
}

// MarkovSet owns every pairwise chain and visits them exactly once via
// Foreach regardless of how many exes reference a given chain.
type MarkovSet struct {
	tree   *btree.BTree
	byPair map[pairKey]*Markov
}

func NewMarkovSet() *MarkovSet {
	return &MarkovSet{
		tree:   btree.New(32),
		byPair: make(map[pairKey]*Markov),
	}
}

// Lookup returns the chain between a and b, in either order, if it exists.
func (ms *MarkovSet) Lookup(a, b *Exe) (*Markov, bool) {
	m, ok := ms.byPair[normalizedKey(a.Path, b.Path)]
	return m, ok
}

// New creates and links a Markov(a, b), registering it in both exes'
// back-lists. If initialize is set, the chain's state and change_timestamp
// are reconstructed from the two exes' current running status and
// change_timestamps as if it had been tracking them from the earlier of
// the two transitions (spec §4.2).
func (ms *MarkovSet) New(state *State, a, b *Exe, initialize bool) *Markov {
	m := &Markov{A: a, B: b}
	for i := range m.TimeToLeave {
		m.TimeToLeave[i] = 0
	}
	ms.byPair[normalizedKey(a.Path, b.Path)] = m
	ms.tree.ReplaceOrInsert(markovItem{m})
	a.Markovs = append(a.Markovs, m)
	b.Markovs = append(b.Markovs, m)

	if initialize {
		aRunning := a.Running(state)
		bRunning := b.Running(state)
		raw := 0
		if aRunning {
			raw |= 1
		}
		if bRunning {
			raw |= 2
		}

		chosen := latestAtOrBefore(state.Time, a.ChangeTimestamp, b.ChangeTimestamp)

		st := raw
		if a.ChangeTimestamp > chosen {
			st ^= 1
		}
		if b.ChangeTimestamp > chosen {
			st ^= 2
		}
		m.State = st
		m.ChangeTimestamp = chosen

		ms.StateChanged(state, m)
	}

	return m
}

// latestAtOrBefore returns the larger of the two change timestamps that are
// strictly in the past relative to t. A change_timestamp equal to t belongs
// to an exe transitioning (or being created) in the current tick, so it
// carries no retroactive information and is excluded; only when both are
// excluded (both exes are new or changed this same tick, so there is
// nothing earlier to reconstruct from) does it fall back to t itself, which
// makes the subsequent state_changed call the documented no-op.
func latestAtOrBefore(t, x, y float64) float64 {
	best := -math.MaxFloat64
	found := false
	if x < t {
		best, found = x, true
	}
	if y < t && (!found || y > best) {
		best, found = y, true
	}
	if !found {
		return t
	}
	return best
}

// LoadMarkov recreates a chain exactly as StatePersistence read it off
// disk: time, time_to_leave and weight are taken verbatim (Testable
// Property 6). state/change_timestamp are reconstructed the same way New's
// initialize branch does, from the two exes' (both not-running, since
// LoadExe leaves them so) running status, which yields state 0 and
// change_timestamp -1 until the next Scan re-establishes real status.
func (ms *MarkovSet) LoadMarkov(a, b *Exe, time float64, ttl [4]float64, weight [4][4]uint64) *Markov {
	m := &Markov{A: a, B: b, Time: time, TimeToLeave: ttl, Weight: weight, ChangeTimestamp: -1}
	ms.byPair[normalizedKey(a.Path, b.Path)] = m
	ms.tree.ReplaceOrInsert(markovItem{m})
	a.Markovs = append(a.Markovs, m)
	b.Markovs = append(b.Markovs, m)
	return m
}

// Remove tears a Markov down: drops it from both exes' back-lists and from
// the set.
func (ms *MarkovSet) Remove(m *Markov) {
	m.A.removeMarkov(m)
	m.B.removeMarkov(m)
	delete(ms.byPair, normalizedKey(m.A.Path, m.B.Path))
	ms.tree.Delete(markovItem{m})
}

// StateChanged is called when either participating exe has just changed
// running status in the current tick. A no-op if the chain already
// recorded this tick's transition.
//
// Open Question resolution (spec §9, "Markov new-exe initialization
// race"): a same-tick ordering slip leaves change_timestamp == state.time
// and is absorbed by the early return above. Any other call where
// new_state == old_state is also not an invariant violation: it only
// re-stamps change_timestamp, leaving weights and dwell times untouched —
// see DESIGN.md.
func (ms *MarkovSet) StateChanged(state *State, m *Markov) {
	if m.ChangeTimestamp == state.Time {
		return
	}

	aRunning := m.A.Running(state)
	bRunning := m.B.Running(state)
	newState := 0
	if aRunning {
		newState |= 1
	}
	if bRunning {
		newState |= 2
	}
	oldState := m.State

	if newState == oldState {
		m.ChangeTimestamp = state.Time
		return
	}

	dt := state.Time - m.ChangeTimestamp
	m.Weight[oldState][oldState]++
	n := float64(m.Weight[oldState][oldState])
	m.TimeToLeave[oldState] += (dt - m.TimeToLeave[oldState]) / n
	m.Weight[oldState][newState]++

	m.State = newState
	m.ChangeTimestamp = state.Time
}

// Correlation computes the Pearson correlation of the two binary running
// indicator variables from four sufficient statistics (spec §4.2). A
// constant variable (never/always running over the model's lifetime) has
// correlation defined as 0.
func (ms *MarkovSet) Correlation(state *State, m *Markov) float64 {
	t := state.Time
	a := m.A.Time
	b := m.B.Time
	ab := m.Time

	if a == 0 || a == t || b == 0 || b == t {
		return 0
	}

	den := math.Sqrt(a * b * (t - a) * (t - b))
	if den == 0 {
		return 0
	}
	rho := (t*ab - a*b) / den

	const eps = 1e-9
	if rho > 1+eps || rho < -1-eps {
		panic(invariantViolation("correlation-bound", "rho=%.9f out of [-1-eps,1+eps] for (%s,%s)", rho, m.A.Path, m.B.Path))
	}
	if rho > 1 {
		rho = 1
	}
	if rho < -1 {
		rho = -1
	}
	return rho
}

// Foreach visits every chain exactly once.
func (ms *MarkovSet) Foreach(f func(*Markov)) {
	ms.tree.Ascend(func(it btree.Item) bool {
		f(it.(markovItem).m)
		return true
	})
}

// Len returns the number of chains currently tracked.
func (ms *MarkovSet) Len() int { return len(ms.byPair) }
