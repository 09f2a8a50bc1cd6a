// Package spy implements the Spy component of spec.md §4.3: the two-phase
// ingestion of the current running set into the model (Scan, then Update).
package spy

import (
	"fmt"

	"github.com/ja7ad/preload/pkg/config"
	"github.com/ja7ad/preload/pkg/model"
	"github.com/ja7ad/preload/pkg/procsrc"
)

// Spy drives both ingestion phases against one ProcessSource.
type Spy struct {
	Source procsrc.ProcessSource

	// MinSize is model.minsize (spec §6): exes whose total mapped size
	// falls below this are recorded as bad-exes instead of registered.
	MinSize int64

	// ExePrefixes and MapPrefixes are the compiled exeprefix/mapprefix
	// accept/reject lists (spec §6): applied left-to-right, first match
	// wins, no match accepts. A nil list accepts everything.
	ExePrefixes []config.Prefix
	MapPrefixes []config.Prefix
}

// ScanResult is what Scan hands to Update: freshly observed unknown
// executables (keyed by path, valued by the pid to read maps from) and the
// set of already-known exes whose running status changed this tick.
type ScanResult struct {
	NewExes map[string]int
	Changed []*model.Exe
}

// Scan implements spec §4.3's Scan phase. It stamps running_timestamp on
// every known exe observed this tick, collects not-yet-known paths (unless
// they are deny-listed as bad exes), retires exes that were running but
// went unseen, and refreshes state.RunningExes and
// state.LastRunningTimestamp for the next cycle.
func (s *Spy) Scan(state *model.State) (*ScanResult, error) {
	entries, err := s.Source.Processes()
	if err != nil {
		return nil, fmt.Errorf("spy: scan processes: %w", err)
	}

	result := &ScanResult{NewExes: make(map[string]int)}
	touched := make(map[string]bool, len(entries))

	for _, pe := range entries {
		if exe, ok := state.Exes.Lookup(pe.ExePath); ok {
			touched[pe.ExePath] = true
			if !exe.Running(state) {
				result.Changed = append(result.Changed, exe)
			}
			exe.RunningTimestamp = state.Time
			continue
		}
		if _, bad := state.BadExes[pe.ExePath]; bad {
			continue
		}
		if !config.Match(s.ExePrefixes, pe.ExePath) {
			continue
		}
		if _, queued := result.NewExes[pe.ExePath]; !queued {
			result.NewExes[pe.ExePath] = pe.PID
		}
	}

	for path, exe := range state.RunningExes {
		if touched[path] {
			continue
		}
		// Not observed this tick: running_timestamp was not refreshed, so
		// it is stale relative to the cutoff about to be advanced below —
		// it transitions to not-running regardless of its old value.
		result.Changed = append(result.Changed, exe)
	}

	state.LastRunningTimestamp = state.Time

	running := make(map[string]*model.Exe, len(touched))
	state.Exes.Ascend(func(exe *model.Exe) bool {
		if exe.Running(state) {
			running[exe.Path] = exe
		}
		return true
	})
	state.RunningExes = running

	return result, nil
}

// Update implements spec §4.3's Update phase: intern maps for every freshly
// observed exe (or deny-list it if too small), synchronize every Markov
// chain touched by a running-status change, and accrue elapsed time into
// running exes and state-3 Markov chains.
func (s *Spy) Update(state *model.State, scan *ScanResult) {
	for path, pid := range scan.NewExes {
		regions, err := s.Source.Maps(pid)
		if err != nil {
			// Transient: the process exited between enumeration and
			// map-read (spec §7 "Transient process read error").
			continue
		}

		filtered := regions[:0:0]
		for _, r := range regions {
			if config.Match(s.MapPrefixes, r.Path) {
				filtered = append(filtered, r)
			}
		}

		var total int64
		for _, r := range filtered {
			total += r.Length
		}
		if total < s.MinSize {
			state.BadExes[path] = model.BadExe{Path: path, UpdateTime: state.Time}
			continue
		}

		specs := make([]model.ExeMapSpec, 0, len(filtered))
		for _, r := range filtered {
			specs = append(specs, model.ExeMapSpec{Path: r.Path, Offset: r.Offset, Length: r.Length, Prob: 1})
		}
		exe := state.Exes.RegisterExe(state, path, true, specs, true)
		state.RunningExes[path] = exe
	}

	for _, exe := range scan.Changed {
		exe.ChangeTimestamp = state.Time
		for _, m := range append([]*model.Markov(nil), exe.Markovs...) {
			state.Markovs.StateChanged(state, m)
		}
	}

	period := state.Time - state.LastAccountingTimestamp
	if period > 0 {
		for _, exe := range state.RunningExes {
			exe.Time += period
		}
		state.Markovs.Foreach(func(m *model.Markov) {
			if m.State == 3 {
				m.Time += period
			}
		})
	}
	state.LastAccountingTimestamp = state.Time

	state.ModelDirty = false
	state.Dirty = true
}
