// Package rawlog records the exact bytes an interface reads or writes.
//
// Each Logger writes plain binary files named
// <interface>_raw_<read|write>_<timestamp>.bin with no header. A file is
// opened lazily on the first write and closed, then made read-only, once
// a write brings it to the cycle size; the next write opens a new file.
// Failures are reported through monitoring.Logf and never returned, so
// logging can not interrupt the data path.
package rawlog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/cmdtlm/internal/fsutil"
	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/security"
	"github.com/banshee-data/cmdtlm/internal/timeutil"
)

// Direction selects which side of an interface a logger records.
type Direction string

const (
	Read  Direction = "read"
	Write Direction = "write"
)

// DefaultCycleSize is used when no cycle size is configured.
const DefaultCycleSize int64 = 2_000_000_000

const timestampLayout = "2006_01_02_15_04_05"

// Option configures a Logger.
type Option func(*Logger)

// WithFileSystem replaces the OS filesystem.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(l *Logger) { l.fs = fsys }
}

// WithClock replaces the clock used for file name timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(l *Logger) { l.clock = c }
}

// Logger writes one direction of an interface's traffic.
type Logger struct {
	name      string
	dir       Direction
	logDir    string
	cycleSize int64
	fs        fsutil.FileSystem
	clock     timeutil.Clock

	mu      sync.Mutex
	enabled bool
	file    io.WriteCloser
	path    string
	size    int64
	files   []string
}

// New creates a logger for the named interface. A cycleSize of zero
// selects DefaultCycleSize.
func New(name string, dir Direction, logDir string, enabled bool, cycleSize int64, opts ...Option) (*Logger, error) {
	if name == "" {
		return nil, errors.New("raw logger needs an interface name")
	}
	if dir != Read && dir != Write {
		return nil, fmt.Errorf("raw log direction must be read or write, got %q", dir)
	}
	if logDir == "" {
		return nil, errors.New("raw logger needs a log directory")
	}
	if cycleSize < 0 {
		return nil, fmt.Errorf("raw log cycle size %d must not be negative", cycleSize)
	}
	if cycleSize == 0 {
		cycleSize = DefaultCycleSize
	}
	l := &Logger{
		name:      strings.ToLower(name),
		dir:       dir,
		logDir:    logDir,
		cycleSize: cycleSize,
		enabled:   enabled,
		fs:        fsutil.OSFileSystem{},
		clock:     timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Direction returns the side of the interface being logged.
func (l *Logger) Direction() Direction { return l.dir }

// Write appends p to the current file. It is a no-op while logging is
// disabled. The whole of p always lands in a single file.
func (l *Logger) Write(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(p) == 0 {
		return
	}
	if l.file == nil {
		if err := l.open(); err != nil {
			monitoring.Logf("Error opening raw log file for %s %s: %v", l.name, l.dir, err)
			return
		}
	}
	n, err := l.file.Write(p)
	l.size += int64(n)
	if err != nil {
		monitoring.Logf("Error writing raw log file %s: %v", l.path, err)
		return
	}
	if l.size >= l.cycleSize {
		l.close()
	}
}

// Start enables logging. The next write opens a new file.
func (l *Logger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
}

// Stop disables logging and closes the current file. Existing files are
// kept.
func (l *Logger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	if l.file != nil {
		l.close()
	}
}

// LoggingEnabled reports whether writes are being recorded.
func (l *Logger) LoggingEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the file currently open, or "" between files.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Files returns every file this logger has created.
func (l *Logger) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.files...)
}

// open creates the next file; the caller holds mu. Names that already
// exist get a numeric suffix so a rotation within the same second does not
// reuse a file.
func (l *Logger) open() error {
	if err := l.fs.MkdirAll(l.logDir, 0o755); err != nil {
		return err
	}
	base := fmt.Sprintf("%s_raw_%s_%s", security.SanitizeFilename(l.name), l.dir, l.clock.Now().Format(timestampLayout))
	for i := 0; i < 1000; i++ {
		name := base + ".bin"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.bin", base, i)
		}
		path := filepath.Join(l.logDir, name)
		f, err := l.fs.CreateExclusive(path, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return err
		}
		l.file, l.path, l.size = f, path, 0
		l.files = append(l.files, path)
		return nil
	}
	return fmt.Errorf("no free file name for %s", base)
}

// close finishes the current file and marks it read-only; the caller
// holds mu.
func (l *Logger) close() {
	path := l.path
	err := l.file.Close()
	if chErr := l.fs.Chmod(path, 0o444); err == nil {
		err = chErr
	}
	if err != nil {
		monitoring.Logf("Error closing raw log file %s: %v", path, err)
	}
	l.file, l.path, l.size = nil, "", 0
}

// Pair holds the read and write loggers of one interface.
type Pair struct {
	Read  *Logger
	Write *Logger
}

// NewPair creates both loggers for the named interface.
func NewPair(name, logDir string, enabled bool, cycleSize int64, opts ...Option) (*Pair, error) {
	r, err := New(name, Read, logDir, enabled, cycleSize, opts...)
	if err != nil {
		return nil, err
	}
	w, err := New(name, Write, logDir, enabled, cycleSize, opts...)
	if err != nil {
		return nil, err
	}
	return &Pair{Read: r, Write: w}, nil
}

// Start enables both loggers.
func (p *Pair) Start() {
	p.Read.Start()
	p.Write.Start()
}

// Stop disables both loggers.
func (p *Pair) Stop() {
	p.Read.Stop()
	p.Write.Stop()
}
