// Package persist implements StatePersistence (spec.md §4 "StatePersistence",
// §6 on-disk format): a versioned, tag-oriented tab-separated text format,
// written atomically via a temp-file-then-rename, in the spirit of
// ja7ad/consumption's own plain, dependency-free state encoding.
package persist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ja7ad/preload/pkg/model"
)

// CurrentVersion is this binary's state-format version. Only the major
// component participates in the compatibility check (spec §6 "version
// policy").
const CurrentVersion = "1.0"

// ErrIncompatible is returned by Load when the file's major version is
// newer than CurrentVersion's — the file was written by a newer daemon and
// must be refused rather than partially understood.
var ErrIncompatible = fmt.Errorf("persist: state file version is newer than this binary")

func majorOf(version string) (int, error) {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("persist: bad version %q: %w", version, err)
	}
	return n, nil
}

func encodePath(p string) string {
	return (&url.URL{Scheme: "file", Path: p}).String()
}

func decodePath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("persist: bad file URI %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("persist: non-file URI %q", uri)
	}
	return u.Path, nil
}

// Save writes state to path atomically: the full content is written to
// path+".tmp" in the same directory, fsynced, then renamed over path. On
// any error the temp file is removed and the error is returned; spec §7
// has the caller log a warning and leave state.Dirty set so the next
// autosave retries.
func Save(path string, state *model.State) error {
	tmpPath := filepath.Join(filepath.Dir(path), filepath.Base(path)+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)
	if err := write(w, state); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write state: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: flush state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persist: rename state file: %w", err)
	}
	return nil
}

func write(w *bufio.Writer, state *model.State) error {
	fmt.Fprintf(w, "PRELOAD\t%s\t%s\n", CurrentVersion, formatFloat(state.Time))

	var err error
	state.Maps.Ascend(func(m *model.Map) bool {
		_, err = fmt.Fprintf(w, "MAP\t%d\t%s\t%d\t%d\t-1\t%s\n",
			m.Seq, formatFloat(m.UpdateTime), m.Offset, m.Length, encodePath(m.Path))
		return err == nil
	})
	if err != nil {
		return err
	}

	for path, be := range state.BadExes {
		if _, err = fmt.Fprintf(w, "BADEXE\t%s\t-1\t%s\n", formatFloat(be.UpdateTime), encodePath(path)); err != nil {
			return err
		}
	}

	state.Exes.Ascend(func(e *model.Exe) bool {
		_, err = fmt.Fprintf(w, "EXE\t%d\t%s\t%s\t-1\t%s\n",
			e.Seq, formatFloat(e.UpdateTime), formatFloat(e.Time), encodePath(e.Path))
		return err == nil
	})
	if err != nil {
		return err
	}

	state.Exes.Ascend(func(e *model.Exe) bool {
		for _, em := range e.Maps {
			if _, err = fmt.Fprintf(w, "EXEMAP\t%d\t%d\t%s\n", e.Seq, em.Map.Seq, formatFloat(em.Prob)); err != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	state.Markovs.Foreach(func(m *model.Markov) {
		if err != nil {
			return
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "MARKOV\t%d\t%d\t%s", m.A.Seq, m.B.Seq, formatFloat(m.Time))
		for _, ttl := range m.TimeToLeave {
			fmt.Fprintf(&sb, "\t%s", formatFloat(ttl))
		}
		for i := range m.Weight {
			for j := range m.Weight[i] {
				fmt.Fprintf(&sb, "\t%d", m.Weight[i][j])
			}
		}
		sb.WriteByte('\n')
		if _, werr := w.WriteString(sb.String()); werr != nil {
			err = werr
		}
	})
	return err
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Load reads a state file into a freshly constructed State. A missing
// file, a header/tag/syntax error, or a file newer than CurrentVersion all
// return an error (spec §7 "State file read error"); the caller is
// expected to log a warning and continue with an empty model instead. A
// file older than CurrentVersion's major version (file's major <
// CurrentVersion's major) is not an error: Load returns a fresh, empty
// State and a nil error, discarding the file's contents.
//
// BADEXE lines are parsed only far enough to skip them: spec §6 "present
// but not consumed on read — ignored by design".
func Load(path string) (*model.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return read(f)
}

func read(r io.Reader) (*model.State, error) {
	state := model.New(0, 0)

	mapsBySeq := make(map[uint64]*model.Map)
	exesBySeq := make(map[uint64]*model.Exe)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	headerSeen := false
	var maxMapSeq, maxExeSeq uint64

	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		tag := fields[0]

		if !headerSeen {
			if tag != "PRELOAD" {
				return nil, fmt.Errorf("persist: first line is %q, want PRELOAD header", tag)
			}
			if len(fields) < 3 {
				return nil, fmt.Errorf("persist: malformed PRELOAD header: %q", line)
			}
			fileMajor, err := majorOf(fields[1])
			if err != nil {
				return nil, err
			}
			curMajor, _ := majorOf(CurrentVersion)
			if fileMajor > curMajor {
				return nil, ErrIncompatible
			}
			if fileMajor < curMajor {
				// Older format: nothing in it can be trusted against the
				// current schema. Start fresh rather than guess.
				return model.New(0, 0), nil
			}
			t, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("persist: bad header time %q: %w", fields[2], err)
			}
			state.Time = t
			headerSeen = true
			continue
		}

		switch tag {
		case "MAP":
			m, err := parseMap(fields)
			if err != nil {
				return nil, err
			}
			loaded := state.Maps.LoadMap(m.seq, m.path, m.offset, m.length, m.updateTime)
			mapsBySeq[m.seq] = loaded
			if m.seq > maxMapSeq {
				maxMapSeq = m.seq
			}
		case "BADEXE":
			// Deliberately ignored (spec §6, §9 Open Question "BADEXE
			// persistence" resolved as a TTL on the write side, not a
			// read-side round trip — see DESIGN.md).
		case "EXE":
			e, err := parseExe(fields)
			if err != nil {
				return nil, err
			}
			loaded := state.Exes.LoadExe(e.seq, e.path, e.time, e.updateTime)
			exesBySeq[e.seq] = loaded
			if e.seq > maxExeSeq {
				maxExeSeq = e.seq
			}
		case "EXEMAP":
			exeSeq, mapSeq, prob, err := parseExeMap(fields)
			if err != nil {
				return nil, err
			}
			exe, ok := exesBySeq[exeSeq]
			if !ok {
				return nil, fmt.Errorf("persist: EXEMAP references unknown exe seq %d", exeSeq)
			}
			mp, ok := mapsBySeq[mapSeq]
			if !ok {
				return nil, fmt.Errorf("persist: EXEMAP references unknown map seq %d", mapSeq)
			}
			state.Exes.LinkMap(exe, mp, prob)
		case "MARKOV":
			aSeq, bSeq, mtime, ttl, weight, err := parseMarkov(fields)
			if err != nil {
				return nil, err
			}
			a, ok := exesBySeq[aSeq]
			if !ok {
				return nil, fmt.Errorf("persist: MARKOV references unknown exe seq %d", aSeq)
			}
			b, ok := exesBySeq[bSeq]
			if !ok {
				return nil, fmt.Errorf("persist: MARKOV references unknown exe seq %d", bSeq)
			}
			state.Markovs.LoadMarkov(a, b, mtime, ttl, weight)
		default:
			return nil, fmt.Errorf("persist: unknown tag %q", tag)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("persist: scan: %w", err)
	}
	if !headerSeen {
		return nil, fmt.Errorf("persist: empty file, no PRELOAD header")
	}

	state.Maps.SeedSeq(maxMapSeq)
	state.Exes.SeedSeq(maxExeSeq)
	state.LastRunningTimestamp = state.Time
	state.LastAccountingTimestamp = state.Time

	return state, nil
}

type mapLine struct {
	seq                    uint64
	updateTime             float64
	offset, length         int64
	path                   string
}

func parseMap(fields []string) (mapLine, error) {
	if len(fields) < 7 {
		return mapLine{}, fmt.Errorf("persist: malformed MAP line: %v", fields)
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return mapLine{}, fmt.Errorf("persist: bad MAP seq %q: %w", fields[1], err)
	}
	updateTime, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return mapLine{}, fmt.Errorf("persist: bad MAP update_time %q: %w", fields[2], err)
	}
	offset, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return mapLine{}, fmt.Errorf("persist: bad MAP offset %q: %w", fields[3], err)
	}
	length, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return mapLine{}, fmt.Errorf("persist: bad MAP length %q: %w", fields[4], err)
	}
	path, err := decodePath(fields[6])
	if err != nil {
		return mapLine{}, err
	}
	return mapLine{seq: seq, updateTime: updateTime, offset: offset, length: length, path: path}, nil
}

type exeLine struct {
	seq        uint64
	updateTime float64
	time       float64
	path       string
}

func parseExe(fields []string) (exeLine, error) {
	if len(fields) < 6 {
		return exeLine{}, fmt.Errorf("persist: malformed EXE line: %v", fields)
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return exeLine{}, fmt.Errorf("persist: bad EXE seq %q: %w", fields[1], err)
	}
	updateTime, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return exeLine{}, fmt.Errorf("persist: bad EXE update_time %q: %w", fields[2], err)
	}
	t, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return exeLine{}, fmt.Errorf("persist: bad EXE time %q: %w", fields[3], err)
	}
	path, err := decodePath(fields[5])
	if err != nil {
		return exeLine{}, err
	}
	return exeLine{seq: seq, updateTime: updateTime, time: t, path: path}, nil
}

func parseExeMap(fields []string) (exeSeq, mapSeq uint64, prob float64, err error) {
	if len(fields) < 4 {
		return 0, 0, 0, fmt.Errorf("persist: malformed EXEMAP line: %v", fields)
	}
	exeSeq, err = strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("persist: bad EXEMAP exe_seq %q: %w", fields[1], err)
	}
	mapSeq, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("persist: bad EXEMAP map_seq %q: %w", fields[2], err)
	}
	prob, err = strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("persist: bad EXEMAP prob %q: %w", fields[3], err)
	}
	return exeSeq, mapSeq, prob, nil
}

func parseMarkov(fields []string) (aSeq, bSeq uint64, mtime float64, ttl [4]float64, weight [4][4]uint64, err error) {
	// MARKOV + a_seq + b_seq + time + 4 ttl + 16 weight = 24 fields.
	if len(fields) < 24 {
		return 0, 0, 0, ttl, weight, fmt.Errorf("persist: malformed MARKOV line: %v", fields)
	}
	aSeq, err = strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, 0, ttl, weight, fmt.Errorf("persist: bad MARKOV a_seq %q: %w", fields[1], err)
	}
	bSeq, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, 0, 0, ttl, weight, fmt.Errorf("persist: bad MARKOV b_seq %q: %w", fields[2], err)
	}
	mtime, err = strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return 0, 0, 0, ttl, weight, fmt.Errorf("persist: bad MARKOV time %q: %w", fields[3], err)
	}
	for i := 0; i < 4; i++ {
		ttl[i], err = strconv.ParseFloat(fields[4+i], 64)
		if err != nil {
			return 0, 0, 0, ttl, weight, fmt.Errorf("persist: bad MARKOV ttl[%d] %q: %w", i, fields[4+i], err)
		}
	}
	idx := 8
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			w, err := strconv.ParseUint(fields[idx], 10, 64)
			if err != nil {
				return 0, 0, 0, ttl, weight, fmt.Errorf("persist: bad MARKOV weight[%d][%d] %q: %w", i, j, fields[idx], err)
			}
			weight[i][j] = w
			idx++
		}
	}
	return aSeq, bSeq, mtime, ttl, weight, nil
}

// IsNotExist reports whether err is the "no state file yet" case, as
// opposed to a corrupt/incompatible one — both are handled the same way
// by the caller (start fresh) but are worth distinguishing in the log.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
