package prophet

import (
	"github.com/ja7ad/preload/pkg/model"
	"github.com/ja7ad/preload/pkg/vomm"
)

// Bid is one (exe, probability) contribution from a Predictor; Prophet
// folds it into the exe's Lnprob via log(1-p) (spec §4.4, §9 design note
// "Dynamic dispatch across prediction strategies").
type Bid struct {
	Exe *model.Exe
	P   float64
}

// Predictor is the small capability every bidding strategy implements;
// Prophet composes them additively rather than dispatching on a type
// switch (spec §9).
type Predictor interface {
	Bid(state *model.State, history []*model.Exe) []Bid
}

// MarkovBidder is the primary bidder (spec §4.4): for every chain with
// exactly one participant running, it bids on the other entering running
// next cycle, optionally damped by the chain's Pearson correlation.
type MarkovBidder struct {
	UseCorrelation bool
}

func (b MarkovBidder) Bid(state *model.State, history []*model.Exe) []Bid {
	var bids []Bid
	state.Markovs.Foreach(func(m *model.Markov) {
		aRun := m.A.Running(state)
		bRun := m.B.Running(state)
		if aRun == bRun {
			return
		}

		var target *model.Exe
		var otherBit int
		if aRun {
			target, otherBit = m.B, 2
		} else {
			target, otherBit = m.A, 1
		}

		p := otherEntersProb(m, m.State, otherBit)
		if b.UseCorrelation {
			rho := state.Markovs.Correlation(state, m)
			if rho < 0 {
				rho = 0
			}
			p *= rho
		}
		if p <= 0 {
			return
		}
		bids = append(bids, Bid{Exe: target, P: p})
	})
	return bids
}

// otherEntersProb derives, from the weight[cs][*] row, the probability
// that the bit identified by otherBit turns on in the next transition out
// of state cs (spec §4.4).
func otherEntersProb(m *model.Markov, cs, otherBit int) float64 {
	total := m.Weight[cs][cs]
	if total == 0 {
		return 0
	}
	var count uint64
	for j := 0; j < 4; j++ {
		if j == cs {
			continue
		}
		if j&otherBit != 0 {
			count += m.Weight[cs][j]
		}
	}
	return float64(count) / float64(total)
}

// VommPPMBidder walks the recent-history window and bids on the
// unseen-running children of each history item's context (spec §4.4 "VOMM
// PPM bid").
type VommPPMBidder struct {
	Tree *vomm.Tree
}

func (b VommPPMBidder) Bid(state *model.State, history []*model.Exe) []Bid {
	var bids []Bid
	for _, h := range history {
		ctx, ok := b.Tree.Root().Children[h.Path]
		if !ok {
			continue
		}
		var total uint64
		for _, c := range ctx.Children {
			total += c.Count
		}
		if total == 0 {
			continue
		}
		for _, c := range ctx.Children {
			if c.Exe == nil || c.Exe.Running(state) {
				continue
			}
			p := clampUnit(float64(c.Count) / float64(total))
			bids = append(bids, Bid{Exe: c.Exe, P: p})
		}
	}
	return bids
}

// VommDGBidder nudges every child of the current deep context with a
// small constant weight when that context is non-root (spec §4.4 "VOMM DG
// fallback").
type VommDGBidder struct {
	Tree *vomm.Tree
	Weak float64 // implementation-chosen constant in (0, 0.5)
}

func (b VommDGBidder) Bid(state *model.State, history []*model.Exe) []Bid {
	cur := b.Tree.Current()
	if cur == b.Tree.Root() {
		return nil
	}
	var bids []Bid
	for _, c := range cur.Children {
		if c.Exe == nil || c.Exe.Running(state) {
			continue
		}
		bids = append(bids, Bid{Exe: c.Exe, P: b.Weak})
	}
	return bids
}

// VommFreqBidder is the global-frequency fallback: every exe's total
// child-count share across the entire tree, dampened into [0.1, 0.5]
// (spec §4.4 "Global frequency fallback").
type VommFreqBidder struct {
	Tree *vomm.Tree
}

func (b VommFreqBidder) Bid(state *model.State, history []*model.Exe) []Bid {
	totals := make(map[*model.Exe]uint64)
	var grand uint64
	var walk func(n *vomm.Node)
	walk = func(n *vomm.Node) {
		for _, c := range n.Children {
			if c.Exe != nil {
				totals[c.Exe] += c.Count
				grand += c.Count
			}
			walk(c)
		}
	}
	walk(b.Tree.Root())
	if grand == 0 {
		return nil
	}

	var bids []Bid
	for exe, count := range totals {
		if exe.Running(state) {
			continue
		}
		f := float64(count) / float64(grand)
		p := 0.1 + 0.4*f
		if p < 0.1 {
			p = 0.1
		}
		if p > 0.5 {
			p = 0.5
		}
		bids = append(bids, Bid{Exe: exe, P: p})
	}
	return bids
}

func clampUnit(p float64) float64 {
	const eps = 1e-9
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}
