// Package prophet implements the Prophet component of spec.md §4.4: it
// folds every Predictor's bids into each non-running exe's cumulative
// log-probability, converts that into a priority, and assembles a
// budget-constrained prefetch plan.
package prophet

import (
	"math"
	"sort"

	"github.com/ja7ad/preload/pkg/model"
	"github.com/ja7ad/preload/pkg/prefetch"
)

// Engine runs the registered Predictors over the current state and folds
// their bids additively, matching ja7ad-consumption's accumulator idiom:
// each pass resets the scratch field before re-accumulating (spec §4.4).
type Engine struct {
	Predictors []Predictor
}

// Accumulate resets Lnprob for every non-running exe, then applies every
// Predictor's bids via lnprob += log(1-p) (spec §4.4). Running exes are
// left untouched: they are never prefetch candidates this cycle.
func (e *Engine) Accumulate(state *model.State, history []*model.Exe) {
	state.Exes.Ascend(func(ex *model.Exe) bool {
		if !ex.Running(state) {
			ex.Lnprob = 0
		}
		return true
	})

	for _, p := range e.Predictors {
		for _, b := range p.Bid(state, history) {
			if b.Exe.Running(state) {
				continue
			}
			applyBid(b.Exe, b.P)
		}
	}
}

func applyBid(exe *model.Exe, p float64) {
	exe.Lnprob += math.Log(1 - clampUnit(p))
}

// Priority converts an exe's accumulated log-probability into the [0,1)
// priority used to rank the prefetch plan (spec §4.4).
func Priority(exe *model.Exe) float64 {
	return 1 - math.Exp(exe.Lnprob)
}

// BudgetConfig holds the four percentage factors of the memory-budget
// formula (spec §4.4, §6 "memtotal/memfree/memcached/membuffers"). Each is
// in [-100, 100]; negative values subtract from the budget.
type BudgetConfig struct {
	MemTotalPct   float64
	MemFreePct    float64
	MemCachedPct  float64
	MemBuffersPct float64
}

// Budget computes the prefetch memory budget, in kilobytes, from the
// current memory snapshot (spec §4.4):
//
//	budget = max(0, total*memtotal + free*memfree) + cached*memcached + buffers*membuffers
//
// The final result is additionally clamped at 0: a negative overall budget
// has no operational meaning (no room is ever reserved by prefetching).
func Budget(mem model.MemStat, cfg BudgetConfig) int64 {
	core := float64(mem.Total)*(cfg.MemTotalPct/100) + float64(mem.Free)*(cfg.MemFreePct/100)
	if core < 0 {
		core = 0
	}
	total := core + float64(mem.Cached)*(cfg.MemCachedPct/100) + float64(mem.Buffers)*(cfg.MemBuffersPct/100)
	if total < 0 {
		total = 0
	}
	return int64(total)
}

// Plan walks exes in descending priority, then each exe's maps in
// descending exemap probability, emitting prefetch.Candidates until the
// budget (in kilobytes) is exhausted (spec §4.4, §8 Testable Property 7,
// Scenario S5).
//
// A map is skipped (not included) when its length would overshoot the
// remaining budget, so a single oversized map can never push the plan's
// total past the budget — lower-priority, smaller maps still get a chance
// once bigger ones are skipped. This keeps Property 7's "sum of included
// lengths never exceeds budget" strict rather than merely stopping after
// the budget first goes negative.
func Plan(state *model.State, budgetKB int64, priorityFloor float64) []prefetch.Candidate {
	type ranked struct {
		exe      *model.Exe
		priority float64
	}
	var exes []ranked
	state.Exes.Ascend(func(ex *model.Exe) bool {
		if ex.Running(state) {
			return true
		}
		p := Priority(ex)
		if p < priorityFloor {
			return true
		}
		exes = append(exes, ranked{ex, p})
		return true
	})
	sort.SliceStable(exes, func(i, j int) bool { return exes[i].priority > exes[j].priority })

	type mapKey struct {
		path           string
		offset, length int64
	}
	bestBid := make(map[mapKey]float64)
	var order []*model.Map
	remaining := budgetKB

	for _, r := range exes {
		if remaining <= 0 {
			break
		}
		maps := append([]*model.ExeMap(nil), r.exe.Maps...)
		sort.SliceStable(maps, func(i, j int) bool { return maps[i].Prob > maps[j].Prob })

		for _, em := range maps {
			lengthKB := em.Map.Length / 1024
			if lengthKB == 0 && em.Map.Length > 0 {
				lengthKB = 1
			}
			if lengthKB > remaining {
				continue
			}

			bid := r.priority * em.Prob
			key := mapKey{em.Map.Path, em.Map.Offset, em.Map.Length}
			if prev, ok := bestBid[key]; !ok || bid > prev {
				if !ok {
					order = append(order, em.Map)
				}
				bestBid[key] = bid
			}
			remaining -= lengthKB
		}
	}

	candidates := make([]prefetch.Candidate, 0, len(order))
	for _, m := range order {
		key := mapKey{m.Path, m.Offset, m.Length}
		candidates = append(candidates, prefetch.Candidate{Map: m, Bid: bestBid[key]})
	}
	return candidates
}
