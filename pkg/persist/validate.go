//go:build linux

package persist

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"

	"github.com/ja7ad/preload/pkg/model"
)

// Validate runs the stale-entry cleanup named in spec.md §4.7 ("following
// every autosave") and specified precisely in SPEC_FULL.md: for every Exe
// not currently running, stat its path. If the file is gone, unregister
// the exe (tearing down its Markovs and dropping its Map refcounts,
// spec §4.1). If it exists but its (dev, inode, mtime) differs from the
// baseline cached at the exe's last validation, the file was replaced
// (e.g. a package upgrade) and is treated identically. An exe with no
// cached baseline yet (StatIno == 0, e.g. just loaded from a state file
// that predates this field) is given one now rather than flagged as
// already stale. Returns the paths removed, for the caller to log.
func Validate(state *model.State) []string {
	var removed []string

	state.Exes.Ascend(func(e *model.Exe) bool {
		if e.Running(state) {
			return true
		}

		var st unix.Stat_t
		err := unix.Stat(e.Path, &st)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				removed = append(removed, e.Path)
			}
			// Any other stat error (permission, transient) is left alone:
			// spec §7 only names "file deleted" and "file replaced" as
			// triggers, not general stat failures.
			return true
		}

		mtime := st.Mtim.Sec
		if e.StatIno == 0 {
			e.StatDev, e.StatIno, e.StatMtime = uint64(st.Dev), st.Ino, mtime
			return true
		}
		if e.StatDev != uint64(st.Dev) || e.StatIno != st.Ino || e.StatMtime != mtime {
			removed = append(removed, e.Path)
		}
		return true
	})

	for _, path := range removed {
		if e, ok := state.Exes.Lookup(path); ok {
			state.Exes.UnregisterExe(e)
		}
	}

	return removed
}
