//go:build linux

package procsrc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ja7ad/preload/pkg/model"
)

// MemoryProbe is the abstract collaborator of spec.md §1/§4.4: a snapshot
// of total/free/buffers/cached/available memory, all in kilobytes.
type MemoryProbe interface {
	Read() (model.MemStat, error)
}

// GopsutilMemProbe wraps gopsutil/v4/mem.VirtualMemory, the same package
// wavetermdev/waveterm depends on for its own resource monitoring.
type GopsutilMemProbe struct{}

func NewGopsutilMemProbe() *GopsutilMemProbe { return &GopsutilMemProbe{} }

func (GopsutilMemProbe) Read() (model.MemStat, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return model.MemStat{}, fmt.Errorf("procsrc: read meminfo: %w", err)
	}
	const kb = 1024
	return model.MemStat{
		Total:     int64(v.Total / kb),
		Free:      int64(v.Free / kb),
		Buffers:   int64(v.Buffers / kb),
		Cached:    int64(v.Cached / kb),
		Available: int64(v.Available / kb),
	}, nil
}

// RawMeminfoProbe reads /proc/meminfo directly, without gopsutil. It backs
// this package's hermetic tests and serves as a fallback adapter, in the
// style of ja7ad/consumption's own /proc/stat line-scanning readers.
type RawMeminfoProbe struct{}

func NewRawMeminfoProbe() *RawMeminfoProbe { return &RawMeminfoProbe{} }

func (RawMeminfoProbe) Read() (model.MemStat, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return model.MemStat{}, err
	}
	defer f.Close()

	fields := map[string]int64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := line[:i]
		val := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line[i+1:]), " kB"))
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		fields[key] = n
	}
	if err := sc.Err(); err != nil {
		return model.MemStat{}, err
	}

	return model.MemStat{
		Total:     fields["MemTotal"],
		Free:      fields["MemFree"],
		Buffers:   fields["Buffers"],
		Cached:    fields["Cached"],
		Available: fields["MemAvailable"],
	}, nil
}
