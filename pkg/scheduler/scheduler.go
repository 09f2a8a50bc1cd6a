// Package scheduler implements the Scheduler of spec.md §4.7: a
// cooperative, timer-driven state machine alternating a scan phase and an
// update phase at tau/2, a second independent autosave timer, and the
// signal-to-timer-queue plumbing spec.md §5 requires for safety. It is
// the glue package: it owns no model invariants itself, only the cadence
// at which the other packages' operations are invoked.
package scheduler

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ja7ad/preload/pkg/config"
	"github.com/ja7ad/preload/pkg/model"
	"github.com/ja7ad/preload/pkg/persist"
	"github.com/ja7ad/preload/pkg/prefetch"
	"github.com/ja7ad/preload/pkg/prophet"
	"github.com/ja7ad/preload/pkg/spy"
	"github.com/ja7ad/preload/pkg/system/util"
	"github.com/ja7ad/preload/pkg/types"
	"github.com/ja7ad/preload/pkg/vomm"
)

// phase names the two alternating events of spec §4.7's cooperative timer.
type phase int

const (
	phaseScan phase = iota
	phaseUpdate
)

// Scheduler drives Spy, Prophet, and the Prefetch Controller at the
// cadence spec §4.7 names, plus the independent autosave timer and the
// four signals SPEC_FULL.md's process/signal plumbing section wires to it.
type Scheduler struct {
	State   *model.State
	Spy     *spy.Spy
	Engine  *prophet.Engine
	Plan    func(state *model.State, budgetKB int64, priorityFloor float64) []prefetch.Candidate
	Ctrl    *prefetch.Controller
	MemRead func() (model.MemStat, error)

	// Tree is the VommTree that backs VommPPMBidder/VommDGBidder/
	// VommFreqBidder (spec §4.6): it is advanced once per cycle by every
	// execution event Scan observes, and Predictors read its rolling
	// history/current-context/whole-tree state directly.
	Tree *vomm.Tree

	Cfg        *config.Config
	StateFile  string
	Log        *logrus.Logger
	InstanceID uuid.UUID

	cycleHist    *gohistogram.NumericHistogram
	priorityHist *gohistogram.NumericHistogram
	cycleEMA     *util.EMA

	pendingScan *spy.ScanResult

	onReload func() *config.Config
}

// New builds a Scheduler ready for Run. cfg and the rest of the
// collaborators are assumed already wired by the caller (cmd/preload).
func New(state *model.State, sp *spy.Spy, engine *prophet.Engine, ctrl *prefetch.Controller, memRead func() (model.MemStat, error), cfg *config.Config, stateFile string, log *logrus.Logger, tree *vomm.Tree, onReload func() *config.Config) *Scheduler {
	if tree == nil {
		tree = vomm.New()
	}
	return &Scheduler{
		State:        state,
		Spy:          sp,
		Engine:       engine,
		Plan:         prophet.Plan,
		Ctrl:         ctrl,
		MemRead:      memRead,
		Tree:         tree,
		Cfg:          cfg,
		StateFile:    stateFile,
		Log:          log,
		InstanceID:   uuid.New(),
		cycleHist:    gohistogram.NewHistogram(20),
		priorityHist: gohistogram.NewHistogram(20),
		cycleEMA:     util.NewEMA(0.3),
		onReload:     onReload,
	}
}

// Run blocks until ctx is canceled or a terminate signal arrives, driving
// the phase-A/phase-B alternation and the autosave timer described in
// spec §4.7. It always performs a final save before returning (spec §5
// "terminate request drains the current phase and triggers a final state
// save on exit").
func (s *Scheduler) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.Log.Infof("scheduler: starting, instance=%s cycle=%gs autosave=%gs", s.InstanceID, s.Cfg.Cycle, s.Cfg.Autosave)

	ph := phaseScan
	phaseTimer := time.NewTimer(0) // fire immediately for the first scan
	defer phaseTimer.Stop()

	autosave := time.NewTicker(durationOf(s.Cfg.Autosave))
	defer autosave.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.terminate()

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.reloadConfig()
			case syscall.SIGUSR1:
				s.dumpDebug()
			case syscall.SIGUSR2:
				s.saveNow()
			case syscall.SIGINT, syscall.SIGTERM:
				return s.terminate()
			}

		case <-autosave.C:
			s.runAutosave()

		case <-phaseTimer.C:
			start := time.Now()
			switch ph {
			case phaseScan:
				s.runGuarded(s.runScanPhase)
				ph = phaseUpdate
				phaseTimer.Reset(durationOf(s.Cfg.Cycle / 2))
			case phaseUpdate:
				s.runGuarded(s.runUpdatePhase)
				ph = phaseScan
				phaseTimer.Reset(durationOf((s.Cfg.Cycle + 1) / 2))
			}
			dur := time.Since(start).Seconds()
			s.cycleHist.Add(dur)
			smoothed := s.cycleEMA.Next(dur)
			if budget := s.Cfg.Cycle / 2; smoothed > budget {
				s.Log.Warnf("scheduler: smoothed cycle duration %.3fs exceeds phase budget %.3fs", smoothed, budget)
			}
		}
	}
}

// runGuarded invokes a phase function, bridging a *model.ModelInvariantError
// panic to logrus.Fatal (spec §7: "the only error class in this daemon
// that is meant to reach logrus.Fatal") instead of letting it unwind as a
// raw Go panic. Any other panic is a programmer error and is re-raised.
func (s *Scheduler) runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if inv, ok := r.(*model.ModelInvariantError); ok {
				s.Log.Fatalf("scheduler: %v", inv)
			}
			panic(r)
		}
	}()
	fn()
}

func durationOf(seconds float64) time.Duration {
	if seconds <= 0 {
		return time.Millisecond
	}
	return time.Duration(seconds * float64(time.Second))
}

// runScanPhase implements spec §4.7 phase A: Spy.Scan, mark dirty/model
// dirty, then Prophet+Prefetch if prediction is enabled. state.Time is
// advanced by tau/2 before the next phase is scheduled, per spec.
func (s *Scheduler) runScanPhase() {
	if !s.Cfg.DoScan {
		s.State.Time += s.Cfg.Cycle / 2
		return
	}

	scan, err := s.Spy.Scan(s.State)
	if err != nil {
		s.Log.Warnf("scheduler: scan: %v", err)
		s.State.Time += s.Cfg.Cycle / 2
		return
	}
	s.State.Dirty = true
	s.State.ModelDirty = true
	s.pendingScan = scan

	if s.Cfg.DoPredict {
		s.predictAndPrefetch()
	}

	s.State.Time += s.Cfg.Cycle / 2
}

// runUpdatePhase implements spec §4.7 phase B: if model_dirty,
// Spy.Update, then feed this cycle's execution events into the VommTree;
// then expire bad-exe entries older than model.BadExeTTL cycles and clear
// model_dirty. state.Time is advanced by (tau+1)/2 before the
// next scan phase is scheduled.
func (s *Scheduler) runUpdatePhase() {
	if s.State.ModelDirty && s.pendingScan != nil {
		scan := s.pendingScan
		s.Spy.Update(s.State, scan)
		s.feedTree(scan)
		s.pendingScan = nil
	}
	s.State.ExpireBadExes(s.Cfg.Cycle, model.BadExeTTL)
	s.State.ModelDirty = false
	s.State.Time += (s.Cfg.Cycle + 1) / 2
}

// feedTree advances the VommTree's deep-context cursor and bigram layer
// (spec §4.6) with this cycle's execution events: every exe freshly
// registered this tick (scan.NewExes, now interned by Spy.Update) plus
// every already-known exe that transitioned back into running
// (scan.Changed entries that are running after the tick). An exe that
// was already running and stayed running is not re-fed — it is not a new
// execution event. Events are fed in path order so a tick that starts
// more than one exe at once produces a deterministic bigram sequence.
func (s *Scheduler) feedTree(scan *spy.ScanResult) {
	var started []*model.Exe
	for path := range scan.NewExes {
		if exe, ok := s.State.Exes.Lookup(path); ok {
			started = append(started, exe)
		}
	}
	for _, exe := range scan.Changed {
		if exe.Running(s.State) {
			started = append(started, exe)
		}
	}
	sort.Slice(started, func(i, j int) bool { return started[i].Path < started[j].Path })
	for _, exe := range started {
		s.Tree.Update(exe)
	}
}

func (s *Scheduler) predictAndPrefetch() {
	s.Engine.Accumulate(s.State, s.Tree.History())

	mem, err := s.MemRead()
	if err != nil {
		s.Log.Warnf("scheduler: read memory stats: %v", err)
		return
	}
	budget := prophet.Budget(mem, prophet.BudgetConfig{
		MemTotalPct:   s.Cfg.MemTotalPct,
		MemFreePct:    s.Cfg.MemFreePct,
		MemCachedPct:  s.Cfg.MemCachedPct,
		MemBuffersPct: s.Cfg.MemBuffersPct,
	})

	candidates := s.Plan(s.State, budget, 0)
	for _, c := range candidates {
		s.priorityHist.Add(c.Bid)
	}

	n, err := s.Ctrl.Submit(context.Background(), candidates)
	if err != nil {
		s.Log.Debugf("scheduler: prefetch submit: %v", err)
		return
	}
	s.Log.Debugf("scheduler: submitted %d prefetch region(s) of %d candidate(s), budget=%dKB", n, len(candidates), budget)
}

func (s *Scheduler) runAutosave() {
	if !s.State.Dirty {
		return
	}
	if err := s.saveState(); err != nil {
		return
	}
	removed := persist.Validate(s.State)
	if len(removed) > 0 {
		s.Log.Infof("scheduler: stale-entry cleanup removed %d exe(s)", len(removed))
	}
	s.State.ExpireBadExes(s.Cfg.Cycle, model.BadExeTTL)
}

func (s *Scheduler) saveNow() {
	s.Log.Info("scheduler: save-now signal received")
	_ = s.saveState()
}

// terminate implements spec §5's drain-and-save cancellation: the current
// phase has already run to completion by the time this is reached (it is
// only invoked between phases, never mid-phase, since Go's scheduling
// loop is itself single-threaded cooperative per spec §5), so all that
// remains is the final save.
func (s *Scheduler) terminate() error {
	s.Log.Info("scheduler: terminate requested, saving and exiting")
	return s.saveState()
}

// saveState writes state to s.StateFile, clearing the bad-exes set per
// spec §5 ("cleared at each save to give exes another chance") and
// clearing Dirty only on success so a write error leaves it set for the
// next autosave attempt (spec §7 "State file write error").
func (s *Scheduler) saveState() error {
	s.State.ClearBadExes()
	if err := persist.Save(s.StateFile, s.State); err != nil {
		s.Log.Warnf("scheduler: save state: %v", err)
		return err
	}
	s.State.Dirty = false
	s.Log.Infof("scheduler: state saved to %s", s.StateFile)
	return nil
}

func (s *Scheduler) reloadConfig() {
	s.Log.Info("scheduler: reload-config signal received")
	if s.onReload == nil {
		return
	}
	if c := s.onReload(); c != nil {
		s.Cfg = c
	}
}

// dumpDebug writes the statistics report named in SPEC_FULL.md's
// supplemented-features section: exe/map/markov counts, the top-N exes by
// running time, and the cycle/priority histograms.
func (s *Scheduler) dumpDebug() {
	var exeCount, mapCount, markovCount int
	s.State.Exes.Ascend(func(*model.Exe) bool { exeCount++; return true })
	s.State.Maps.Ascend(func(*model.Map) bool { mapCount++; return true })
	s.State.Markovs.Foreach(func(*model.Markov) { markovCount++ })

	top := topExesByTime(s.State, 10)

	s.Log.Infof("dump-debug: instance=%s exes=%d maps=%d markovs=%d", s.InstanceID, exeCount, mapCount, markovCount)
	s.Log.Infof("dump-debug: cycle duration histogram: %s", s.cycleHist.String())
	s.Log.Infof("dump-debug: priority histogram: %s", s.priorityHist.String())
	for i, e := range top {
		s.Log.Infof("dump-debug: top[%d] %s time=%.1fs size=%s", i, e.Path, e.Time, types.Bytes(uint64(e.Size)).Humanized())
	}
}

func topExesByTime(state *model.State, n int) []*model.Exe {
	var all []*model.Exe
	state.Exes.Ascend(func(e *model.Exe) bool {
		all = append(all, e)
		return true
	})
	// Simple insertion-based top-N: the exe count on a desktop preload
	// daemon is small (hundreds).
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Time > all[j-1].Time; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > n {
		all = all[:n]
	}
	return all
}
