//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ja7ad/preload/pkg/config"
	"github.com/ja7ad/preload/pkg/logging"
	"github.com/ja7ad/preload/pkg/model"
	"github.com/ja7ad/preload/pkg/persist"
	"github.com/ja7ad/preload/pkg/prefetch"
	"github.com/ja7ad/preload/pkg/prefetch/kernel"
	"github.com/ja7ad/preload/pkg/procsrc"
	"github.com/ja7ad/preload/pkg/prophet"
	"github.com/ja7ad/preload/pkg/scheduler"
	"github.com/ja7ad/preload/pkg/spy"
	"github.com/ja7ad/preload/pkg/vomm"
)

type flags struct {
	configPath string
	statePath  string
	logPath    string
	nice       int
	foreground bool
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:   "preload",
		Short: "Adaptive readahead daemon",
		Long: `preload watches which executables you run, learns pairwise
correlations between them with a Markov model and a Variable-Order Markov
Model, and issues advisory kernel prefetch hints for the executables it
predicts you are about to run next.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.Flags().StringVar(&f.configPath, "config", "/etc/preload.conf", "path to the configuration file")
	root.Flags().StringVar(&f.statePath, "state", "/var/lib/preload/state", "path to the persisted model state file")
	root.Flags().StringVar(&f.logPath, "log", "/var/log/preload.log", "path to the log file (ignored in --foreground)")
	root.Flags().IntVar(&f.nice, "nice", 0, "process nice level to request at startup")
	root.Flags().BoolVar(&f.foreground, "foreground", false, "run in the foreground, logging to stderr")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	log, err := logging.New(f.logPath, f.foreground)
	if err != nil {
		return fmt.Errorf("preload: open log: %w", err)
	}
	defer log.Close()

	if f.nice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, f.nice); err != nil {
			log.Warnf("preload: set nice level %d: %v", f.nice, err)
		}
	}

	lockPath := f.statePath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("preload: create state directory: %w", err)
	}
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("preload: acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("preload: another instance is already running (lock held on %s)", lockPath)
	}
	defer fl.Unlock()

	cfg, err := config.Load(f.configPath, log.Logger)
	if err != nil {
		log.Warnf("preload: load config %s: %v, using defaults", f.configPath, err)
		cfg = config.Defaults()
	}

	state, err := loadState(f.statePath, log)
	if err != nil {
		return err
	}

	// A filesystem event on the config path is funneled into the exact
	// same reload path as SIGHUP (self-signal) rather than racing the
	// scheduler's single-threaded config field from another goroutine.
	pid := os.Getpid()
	watcher, err := config.NewWatcher(f.configPath, log.Logger, func(*config.Config) {
		if err := unix.Kill(pid, unix.SIGHUP); err != nil {
			log.Warnf("preload: signal self for config reload: %v", err)
		}
	})
	if err != nil {
		log.Warnf("preload: start config watcher: %v", err)
	} else if err := watcher.Start(filepath.Dir(f.configPath)); err != nil {
		log.Warnf("preload: watch config directory: %v", err)
	} else {
		defer watcher.Close()
	}

	source := procsrc.NewGopsutilSource()
	memProbe := procsrc.NewGopsutilMemProbe()
	sp := &spy.Spy{
		Source:      source,
		MinSize:     cfg.MinSize,
		ExePrefixes: cfg.ExePrefixes,
		MapPrefixes: cfg.MapPrefixes,
	}

	tree := vomm.New()
	vomm.HydrateFromMarkov(tree, state.Markovs)
	engine := &prophet.Engine{
		Predictors: []prophet.Predictor{
			prophet.MarkovBidder{UseCorrelation: cfg.UseCorrelation},
			prophet.VommPPMBidder{Tree: tree},
			prophet.VommDGBidder{Tree: tree, Weak: 0.2},
			prophet.VommFreqBidder{Tree: tree},
		},
	}

	ctrl := &prefetch.Controller{
		Prefetcher:  kernel.New(),
		Resolver:    kernel.NewBlockResolver(),
		Strategy:    prefetch.ParseSortStrategy(cfg.SortStrategy),
		Parallelism: cfg.Processes,
	}

	sched := scheduler.New(state, sp, engine, ctrl, memProbe.Read, cfg, f.statePath, log.Logger, tree, func() *config.Config {
		c, err := config.Load(f.configPath, log.Logger)
		if err != nil {
			log.Warnf("preload: reload config: %v", err)
			return nil
		}
		if err := log.Reopen(); err != nil {
			log.Warnf("preload: reopen log: %v", err)
		}
		return c
	})

	log.Infof("preload: starting, state=%s config=%s", f.statePath, f.configPath)
	return sched.Run(ctx)
}

// loadState reads the state file at path, falling back to an empty model
// on any read error (spec §7 "State file read error"). Sequence counters
// are already seeded from the file's own max seq by persist.Load.
func loadState(path string, log *logging.Logger) (*model.State, error) {
	s, err := persist.Load(path)
	if err != nil {
		if !persist.IsNotExist(err) {
			log.Warnf("preload: load state %s: %v, starting fresh", path, err)
		}
		return model.New(1, 1), nil
	}
	return s, nil
}
