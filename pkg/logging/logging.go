// Package logging builds the daemon's single package-level logger
// (SPEC_FULL.md's Ambient Stack / Logging section): a github.com/sirupsen/logrus
// text logger, reopened by path on reload-config in the conventional
// logrotate-friendly way, foreground runs going to stderr instead.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger with the path it was opened against, so a
// reload-config signal can close and reopen the same file rather than
// requiring the daemon to be restarted to pick up a rotated log.
type Logger struct {
	*logrus.Logger

	mu   sync.Mutex
	path string
	file *os.File
}

// New builds a Logger. An empty path or "-" logs to stderr (foreground
// run); otherwise it opens path for appending, creating it if necessary.
func New(path string, foreground bool) (*Logger, error) {
	l := &Logger{Logger: logrus.New()}
	l.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if foreground || path == "" || path == "-" {
		l.Logger.SetOutput(os.Stderr)
		return l, nil
	}

	if err := l.openFile(path); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) openFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.file
	l.path = path
	l.file = f
	l.mu.Unlock()

	l.Logger.SetOutput(f)
	if old != nil {
		old.Close()
	}
	return nil
}

// Reopen closes and reopens the log file at the same path it was created
// with, the logrotate-friendly pattern SPEC_FULL.md names for reload-config.
// A no-op when the logger was built against stderr.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	if path == "" {
		return nil
	}
	return l.openFile(path)
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

var _ io.Closer = (*Logger)(nil)
