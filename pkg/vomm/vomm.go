// Package vomm implements the auxiliary Variable-Order Markov Model used
// as a secondary predictor (spec §2, §4.6): a trie of recent execution
// contexts, with counts at each node, queried by pkg/prophet alongside the
// primary Markov-chain bidder.
package vomm

import "github.com/ja7ad/preload/pkg/model"

// MaxDepth bounds the rolling history window used to build the deep
// context (spec §4.4 "most recent MAX_DEPTH=5 exes").
const MaxDepth = 5

// Node is one trie node. The root has no Exe. Children are owned
// exclusively by their parent; Parent is a read-optimization back-pointer
// only (spec §4.6, §9 design note).
type Node struct {
	Exe      *model.Exe
	Count    uint64
	Parent   *Node
	Children map[string]*Node
}

func newNode(exe *model.Exe, parent *Node) *Node {
	return &Node{Exe: exe, Parent: parent, Children: make(map[string]*Node)}
}

func (n *Node) childFor(exe *model.Exe) *Node {
	c, ok := n.Children[exe.Path]
	if !ok {
		c = newNode(exe, n)
		n.Children[exe.Path] = c
	}
	return c
}

// Tree is the VommTree of spec §4.6. It is never persisted by default
// (optional persistence is implemented in persist.go of this package) and may
// be rebuilt from scratch at startup or hydrated from Markov bigram
// counts.
type Tree struct {
	root    *Node
	history []*model.Exe // rolling window, len <= MaxDepth
	current *Node        // cursor into the deep-context trie
}

// New returns an empty tree rooted at a no-exe node.
func New() *Tree {
	root := newNode(nil, nil)
	return &Tree{root: root, current: root}
}

// Root exposes the root node for read-only traversal by Prophet.
func (t *Tree) Root() *Node { return t.root }

// History returns the current rolling window, most recent last.
func (t *Tree) History() []*model.Exe {
	out := make([]*model.Exe, len(t.history))
	copy(out, t.history)
	return out
}

// Current returns the node at the tip of the deep context (root if the
// history is empty or drifted back to it).
func (t *Tree) Current() *Node { return t.current }

// Update extends the deep context with exe and records the bigram
// root -> prev -> exe independently, so bigram counts are always recorded
// regardless of how deep the rolling context has drifted (spec §4.6).
func (t *Tree) Update(exe *model.Exe) {
	// Deep context: descend (or create) a child of the current cursor.
	t.current = t.current.childFor(exe)
	t.current.Count++

	t.history = append(t.history, exe)
	if len(t.history) > MaxDepth {
		t.history = t.history[len(t.history)-MaxDepth:]
		// Oldest dropped: the deep-context cursor does not rewind, by
		// design — it tracks the longest context seen, not a sliding
		// window replay. Only the bigram layer below is window-relative.
	}

	// Bigram layer: root -> prev -> exe, independent of cursor depth.
	if len(t.history) >= 2 {
		prev := t.history[len(t.history)-2]
		bigramParent := t.root.childFor(prev)
		bigram := bigramParent.childFor(exe)
		bigram.Count++
	}
}

// HydrateFromMarkov seeds the bigram layer from every Markov chain's
// weight[1][3] count (A running, then B joins: root -> A -> B) and its
// weight[2][3] count (B running, then A joins: root -> B -> A), so
// predictions are useful immediately after a restart before any fresh
// history accumulates (spec §4.6).
func HydrateFromMarkov(t *Tree, markovs *model.MarkovSet) {
	markovs.Foreach(func(m *model.Markov) {
		seedDirectionalBigram(t, m.A, m.B, m.Weight[1][3])
		seedDirectionalBigram(t, m.B, m.A, m.Weight[2][3])
	})
}

func seedDirectionalBigram(t *Tree, from, to *model.Exe, count uint64) {
	if count == 0 {
		return
	}
	parent := t.root.childFor(from)
	child := parent.childFor(to)
	child.Count += count
}
