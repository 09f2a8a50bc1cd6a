package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher funnels filesystem events on the config path into the same
// reload path as SIGHUP, in the style of wavetermdev/waveterm's own
// fsnotify-based config watcher: an editor's atomic-rename save is picked
// up without waiting for a signal (spec §6/SPEC_FULL.md Configuration).
type Watcher struct {
	path    string
	log     *logrus.Logger
	onLoad  func(*Config)
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a Watcher for path. It watches nothing until Start
// is called with the directory to watch (watching the directory, not the
// file itself, survives the file being replaced by an atomic rename
// rather than edited in place).
func NewWatcher(path string, log *logrus.Logger, onLoad func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log, onLoad: onLoad, watcher: fw}
	return w, nil
}

// Start loads the initial config, calls onLoad, and begins watching for
// filesystem events in the background.
func (w *Watcher) Start(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.reload()

	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Name == w.path {
					w.reload()
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				if w.log != nil {
					w.log.Warnf("config: watcher error: %v", err)
				}
			}
		}
	}()
	return nil
}

// Reload re-reads the config file now, exactly as a SIGHUP would (spec §6
// "reload-config"). Safe to call from a signal handler's consumer.
func (w *Watcher) Reload() { w.reload() }

func (w *Watcher) reload() {
	c, err := Load(w.path, w.log)
	if err != nil {
		if w.log != nil {
			w.log.Warnf("config: reload %s failed, keeping previous config: %v", w.path, err)
		}
		return
	}
	w.mu.Lock()
	w.current = c
	w.mu.Unlock()
	if w.onLoad != nil {
		w.onLoad(c)
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
