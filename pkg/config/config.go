// Package config parses and holds runtime configuration (spec.md §6): an
// INI file with [model] and [system] sections, read with
// gopkg.in/ini.v1 the same way wavetermdev/waveterm's awsconn package
// loads its own shared config files.
package config

import (
	"strings"

	"gopkg.in/ini.v1"

	"github.com/sirupsen/logrus"
)

// Prefix is one entry of a compiled mapprefix/exeprefix accept/reject list
// (spec §6): "!/lib" rejects, "/lib" accepts, matched left to right,
// first match wins, no match accepts.
type Prefix struct {
	Negate bool
	Value  string
}

// Match reports whether path is accepted by the list: the first prefix
// match decides, negated or not; no match at all accepts (spec §6).
func Match(list []Prefix, path string) bool {
	for _, p := range list {
		if strings.HasPrefix(path, p.Value) {
			return !p.Negate
		}
	}
	return true
}

func compilePrefixList(raw string) []Prefix {
	var out []Prefix
	for _, tok := range strings.Split(raw, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.HasPrefix(tok, "!") {
			out = append(out, Prefix{Negate: true, Value: tok[1:]})
		} else {
			out = append(out, Prefix{Value: tok})
		}
	}
	return out
}

// Config is the resolved, clamped runtime configuration (spec §6's option
// table). It is immutable once returned by Load/Reload — a reload builds a
// fresh Config rather than mutating one in place, so a partially-applied
// bad edit never corrupts a running daemon's view.
type Config struct {
	// [model]
	Cycle          float64
	UseCorrelation bool
	MinSize        int64
	MemTotalPct    float64
	MemFreePct     float64
	MemCachedPct   float64
	MemBuffersPct  float64

	// [system]
	DoScan        bool
	DoPredict     bool
	Autosave      float64
	MapPrefixes   []Prefix
	ExePrefixes   []Prefix
	Processes     int
	SortStrategy  int
}

// Defaults matches spec §6's option table exactly.
func Defaults() *Config {
	return &Config{
		Cycle:          20,
		UseCorrelation: true,
		MinSize:        2_000_000,
		MemTotalPct:    -10,
		MemFreePct:     50,
		MemCachedPct:   0,
		MemBuffersPct:  50,

		DoScan:       true,
		DoPredict:    true,
		Autosave:     3600,
		MapPrefixes:  compilePrefixList("/usr/;/lib;/var/cache/;!/"),
		ExePrefixes:  compilePrefixList("/usr/;/lib;/var/cache/;!/"),
		Processes:    30,
		SortStrategy: 3,
	}
}

// Load reads and clamps configuration from path. A read error (missing
// file, unparsable INI) returns the error; the caller is expected to fall
// back to Defaults() and log a warning (spec §7 "Configuration error").
// Unknown keys are warned about and ignored; out-of-range numeric values
// are clamped to the documented default with a warning, per the same
// section — both are reported to log rather than failing the load.
func Load(path string, log *logrus.Logger) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return fromFile(f, log), nil
}

func fromFile(f *ini.File, log *logrus.Logger) *Config {
	c := Defaults()

	model := f.Section("model")
	c.Cycle = clampPositive(log, "model.cycle", model.Key("cycle").MustFloat64(c.Cycle), c.Cycle)
	c.UseCorrelation = model.Key("usecorrelation").MustBool(c.UseCorrelation)
	c.MinSize = clampNonNegativeInt(log, "model.minsize", model.Key("minsize").MustInt64(c.MinSize), c.MinSize)
	c.MemTotalPct = clampPct(log, "model.memtotal", model.Key("memtotal").MustFloat64(c.MemTotalPct), c.MemTotalPct)
	c.MemFreePct = clampPct(log, "model.memfree", model.Key("memfree").MustFloat64(c.MemFreePct), c.MemFreePct)
	c.MemCachedPct = clampPct(log, "model.memcached", model.Key("memcached").MustFloat64(c.MemCachedPct), c.MemCachedPct)
	c.MemBuffersPct = clampPct(log, "model.membuffers", model.Key("membuffers").MustFloat64(c.MemBuffersPct), c.MemBuffersPct)

	sys := f.Section("system")
	c.DoScan = sys.Key("doscan").MustBool(c.DoScan)
	c.DoPredict = sys.Key("dopredict").MustBool(c.DoPredict)
	c.Autosave = clampPositive(log, "system.autosave", sys.Key("autosave").MustFloat64(c.Autosave), c.Autosave)
	if sys.HasKey("mapprefix") {
		c.MapPrefixes = compilePrefixList(sys.Key("mapprefix").String())
	}
	if sys.HasKey("exeprefix") {
		c.ExePrefixes = compilePrefixList(sys.Key("exeprefix").String())
	}
	c.Processes = clampNonNegative(log, "system.processes", sys.Key("processes").MustInt(c.Processes), c.Processes)
	c.SortStrategy = clampRange(log, "system.sortstrategy", sys.Key("sortstrategy").MustInt(c.SortStrategy), 0, 3, c.SortStrategy)

	known := map[string]map[string]bool{
		"model":  {"cycle": true, "usecorrelation": true, "minsize": true, "memtotal": true, "memfree": true, "memcached": true, "membuffers": true},
		"system": {"doscan": true, "dopredict": true, "autosave": true, "mapprefix": true, "exeprefix": true, "processes": true, "sortstrategy": true},
	}
	for _, sec := range f.Sections() {
		name := sec.Name()
		keys, ok := known[name]
		if !ok {
			if name != ini.DefaultSection && log != nil {
				log.Warnf("config: unknown section %q ignored", name)
			}
			continue
		}
		for _, k := range sec.Keys() {
			if !keys[k.Name()] && log != nil {
				log.Warnf("config: unknown option %s.%s ignored", name, k.Name())
			}
		}
	}

	return c
}

func clampPositive(log *logrus.Logger, name string, v, def float64) float64 {
	if v <= 0 {
		warnClamp(log, name, v, def)
		return def
	}
	return v
}

func clampNonNegative(log *logrus.Logger, name string, v, def int) int {
	if v < 0 {
		warnClamp(log, name, v, def)
		return def
	}
	return v
}

func clampNonNegativeInt(log *logrus.Logger, name string, v, def int64) int64 {
	if v < 0 {
		warnClamp(log, name, v, def)
		return def
	}
	return v
}

func clampPct(log *logrus.Logger, name string, v, def float64) float64 {
	if v < -100 || v > 100 {
		warnClamp(log, name, v, def)
		return def
	}
	return v
}

func clampRange(log *logrus.Logger, name string, v, lo, hi, def int) int {
	if v < lo || v > hi {
		warnClamp(log, name, v, def)
		return def
	}
	return v
}

func warnClamp(log *logrus.Logger, name string, got, def interface{}) {
	if log != nil {
		log.Warnf("config: %s=%v out of range, clamped to default %v", name, got, def)
	}
}
