package model

// MemStat is a snapshot of system memory accounting, all fields in
// kilobytes, matching the abstract MemoryProbe collaborator (spec §1, §4.4).
type MemStat struct {
	Total     int64
	Free      int64
	Buffers   int64
	Cached    int64
	Available int64
}

// BadExe records why an observed executable was excluded from modeling
// (too small to be worth tracking, spec §4.3), and when, so it can be
// given another chance once the model's virtual time has moved on far
// enough (spec §9 Open Question "BADEXE persistence", resolved as a TTL —
// see DESIGN.md).
type BadExe struct {
	Path       string
	UpdateTime float64
}

// State is the process-wide model singleton for the lifetime of the
// daemon. It is never constructed implicitly: callers build one explicitly
// (spec §9 design note) so tests can instantiate an isolated State and
// exercise components against it directly.
type State struct {
	Time                    float64
	LastRunningTimestamp    float64
	LastAccountingTimestamp float64
	MemStat                 MemStat

	Dirty      bool
	ModelDirty bool

	Maps    *MapRegistry
	Exes    *ExeRegistry
	Markovs *MarkovSet

	RunningExes map[string]*Exe
	BadExes     map[string]BadExe
}

// New builds an empty State with fresh registries. mapSeqStart/exeSeqStart
// let StatePersistence resume sequence numbering after a reload.
func New(mapSeqStart, exeSeqStart uint64) *State {
	maps := NewMapRegistry(mapSeqStart)
	markovs := NewMarkovSet()
	exes := NewExeRegistry(exeSeqStart, maps, markovs)
	return &State{
		Maps:        maps,
		Exes:        exes,
		Markovs:     markovs,
		RunningExes: make(map[string]*Exe),
		BadExes:     make(map[string]BadExe),
	}
}

// BadExeTTL is the default multiple of the scheduler cycle τ after which a
// bad-exe entry is evicted even without an intervening save (spec §9 Open
// Question, policy choice documented in DESIGN.md).
const BadExeTTL = 10

// ExpireBadExes drops bad-exe entries whose update_time is more than
// ttlCycles*cycle seconds behind the model's current virtual time.
func (s *State) ExpireBadExes(cycle float64, ttlCycles float64) {
	if ttlCycles <= 0 {
		ttlCycles = BadExeTTL
	}
	horizon := ttlCycles * cycle
	for path, be := range s.BadExes {
		if s.Time-be.UpdateTime > horizon {
			delete(s.BadExes, path)
		}
	}
}

// ClearBadExes unconditionally clears the bad-exes set, "to give exes
// another chance" (spec §5), called at every save.
func (s *State) ClearBadExes() {
	s.BadExes = make(map[string]BadExe)
}
