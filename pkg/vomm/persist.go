package vomm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ja7ad/preload/pkg/model"
)

// Persistence for the VOMM tree is optional (spec §4.6): the daemon can
// rebuild it from scratch or hydrate it from Markov bigram counts. Export
// and Import are not part of the state round-trip, and nothing in the
// daemon (scheduler, save-now, dump-debug) calls them; the tree is
// rebuilt by HydrateFromMarkov at every startup.

const vommVersion = "VOMM1"

// Export assigns each node a stable 64-bit ID (BFS order from the root,
// root itself is ID 0) and writes it as tab-separated lines: the node ID,
// its parent's ID, the exe path it's keyed on (empty for the root), and
// its count.
func Export(w io.Writer, t *Tree) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	if _, err := fmt.Fprintf(bw, "%s\n", vommVersion); err != nil {
		return err
	}

	ids := map[*Node]int64{t.root: 0}
	var next int64 = 1
	queue := []*Node{t.root}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		id := ids[n]

		path := ""
		if n.Exe != nil {
			path = n.Exe.Path
		}
		if _, err := fmt.Fprintf(bw, "%d\t%d\t%s\t%d\n", id, parentID(ids, n), path, n.Count); err != nil {
			return err
		}

		for _, c := range n.Children {
			ids[c] = next
			next++
			queue = append(queue, c)
		}
	}

	return bw.Flush()
}

func parentID(ids map[*Node]int64, n *Node) int64 {
	if n.Parent == nil {
		return -1
	}
	return ids[n.Parent]
}

// Import rebuilds a tree from the Export format, resolving exe paths
// through lookup. Orphaned entries (a parent ID not yet seen) are
// rejected with an error rather than silently dropped, per spec §4.6.
func Import(r io.Reader, lookup func(path string) (*model.Exe, bool)) (*Tree, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return nil, fmt.Errorf("vomm: empty import stream")
	}
	if sc.Text() != vommVersion {
		return nil, fmt.Errorf("vomm: unrecognized version %q", sc.Text())
	}

	t := New()
	byID := map[int64]*Node{0: t.root}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("vomm: malformed line %q", line)
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("vomm: bad node id: %w", err)
		}
		if id == 0 {
			// root, already present
			count, _ := strconv.ParseUint(fields[3], 10, 64)
			t.root.Count = count
			continue
		}
		parentIDVal, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("vomm: bad parent id: %w", err)
		}
		parent, ok := byID[parentIDVal]
		if !ok {
			return nil, fmt.Errorf("vomm: orphaned node %d (parent %d not yet seen)", id, parentIDVal)
		}

		path := fields[2]
		var exe *model.Exe
		if path != "" {
			e, ok := lookup(path)
			if !ok {
				// Exe no longer registered; skip this node and everything
				// under it will itself fail the orphan check, which is
				// the desired behavior.
				continue
			}
			exe = e
		}

		count, _ := strconv.ParseUint(fields[3], 10, 64)
		child, exists := parent.Children[path]
		if !exists {
			child = newNode(exe, parent)
			parent.Children[path] = child
		}
		child.Count = count
		byID[id] = child
	}

	return t, sc.Err()
}
