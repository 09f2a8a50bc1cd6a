//go:build linux

// Package procsrc provides the default concrete adapters for the two
// abstract external collaborators spec.md keeps at arm's length from the
// hard core: ProcessSource (process enumeration + memory-map reading) and
// MemoryProbe (system memory accounting). Spy and Prophet only ever see the
// interfaces defined here; this package is what makes a built daemon
// actually runnable end to end.
package procsrc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessEntry is one (pid, exe path) pair yielded by a scan.
type ProcessEntry struct {
	PID     int
	ExePath string
}

// MappedRegion is one file-backed mapping discovered for a pid, already
// filtered down to non-anonymous regions with a resolvable inode (spec §1
// "the set of file-backed mappings for a pid").
type MappedRegion struct {
	Path   string
	Offset int64
	Length int64
}

// ProcessSource is the abstract collaborator of spec.md §1: it yields the
// currently running (pid, exe_path) pairs and, on demand, a pid's
// file-backed mappings. Spy never reads /proc directly.
type ProcessSource interface {
	Processes() ([]ProcessEntry, error)
	Maps(pid int) ([]MappedRegion, error)
}

// GopsutilSource enumerates processes via
// github.com/shirou/gopsutil/v4/process (the library wavetermdev/waveterm
// already depends on, and the one the corpus's DataDog shared_libraries.go
// variant uses for the identical per-pid mapping problem via
// proc.MemoryMaps). Mapping offsets/lengths, which gopsutil's aggregated
// MemoryMapsStat does not expose, are read directly from
// /proc/<pid>/maps using the same six-column scan that corpus file applies
// to its own copy of that file.
type GopsutilSource struct{}

// NewGopsutilSource returns the default ProcessSource.
func NewGopsutilSource() *GopsutilSource { return &GopsutilSource{} }

// Processes lists every process currently visible to this daemon, paired
// with its on-disk executable path. Processes whose exe can't be resolved
// (permission denied, kernel thread, already exited) are skipped silently,
// per spec §7 "Transient process read error".
func (s *GopsutilSource) Processes() ([]ProcessEntry, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("procsrc: list processes: %w", err)
	}

	out := make([]ProcessEntry, 0, len(procs))
	for _, p := range procs {
		exe, err := p.Exe()
		if err != nil || exe == "" {
			continue
		}
		out = append(out, ProcessEntry{PID: int(p.Pid), ExePath: exe})
	}
	return out, nil
}

// Maps returns the file-backed mappings of pid, one entry per line of
// /proc/<pid>/maps that names a real file (see parseMapsLine). Anonymous
// and pseudo-path mappings are dropped; nothing is deduplicated, so a
// library's text/rodata/data segments appear as separate entries for the
// same path, and repeated or overlapping ranges are passed through as-is.
func (s *GopsutilSource) Maps(pid int) ([]MappedRegion, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var regions []MappedRegion
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		r, ok := parseMapsLine(sc.Text())
		if ok {
			regions = append(regions, r)
		}
	}
	return regions, sc.Err()
}

// parseMapsLine parses one line of /proc/<pid>/maps, e.g.:
//
//	7f135146b000-7f135147a000 r--p 00000000 fd:00 268743 /usr/lib/libm.so
//
// and returns the mapped region if the line names a real file (inode != 0,
// path present and not a pseudo-path like "[heap]"). Grounded on the
// DataDog shared_libraries.go parseMapsFile six-column scan in the example
// corpus.
func parseMapsLine(line string) (MappedRegion, bool) {
	cols := strings.Fields(line)
	if len(cols) != 6 {
		return MappedRegion{}, false
	}
	if cols[4] == "0" {
		return MappedRegion{}, false
	}
	path := cols[5]
	if path == "" || strings.HasPrefix(path, "[") {
		return MappedRegion{}, false
	}

	bounds := strings.SplitN(cols[0], "-", 2)
	if len(bounds) != 2 {
		return MappedRegion{}, false
	}
	start, err1 := strconv.ParseInt(bounds[0], 16, 64)
	end, err2 := strconv.ParseInt(bounds[1], 16, 64)
	if err1 != nil || err2 != nil || end < start {
		return MappedRegion{}, false
	}
	offset, err := strconv.ParseInt(cols[2], 16, 64)
	if err != nil {
		return MappedRegion{}, false
	}

	return MappedRegion{Path: path, Offset: offset, Length: end - start}, true
}
