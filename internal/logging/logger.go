package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const logFileName = "alice.log"

// Options configures the service logger.
type Options struct {
	// Dir is where alice.log and its rotations live. Empty means
	// stderr only.
	Dir           string
	Debug         bool
	MaxLines      int // rotate after this many lines; 0 disables rotation
	RetentionDays int // rotated files older than this are deleted; 0 keeps all
	Stderr        io.Writer
}

// New builds the structured logger. Records always go to stderr and,
// when a directory is configured, to a rotating file as well. The
// returned closer releases the file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}

	if opts.Dir != "" {
		file, err := NewRotatingFile(opts.Dir, opts.MaxLines, opts.RetentionDays)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(stderr, file)
		closer = file
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// RotatingFile is an io.Writer that appends to alice.log and renames it
// to a timestamped file once it reaches a line limit.
type RotatingFile struct {
	dir           string
	maxLines      int
	retentionDays int

	mu        sync.Mutex
	file      *os.File
	lineCount int
	now       func() time.Time
}

// NewRotatingFile opens (creating if needed) the log file in dir.
func NewRotatingFile(dir string, maxLines, retentionDays int) (*RotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	r := &RotatingFile{
		dir:           dir,
		maxLines:      maxLines,
		retentionDays: retentionDays,
		now:           time.Now,
	}

	file, err := os.OpenFile(r.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	r.file = file
	return r, nil
}

func (r *RotatingFile) path() string {
	return filepath.Join(r.dir, logFileName)
}

// Write appends p and rotates when the line limit is reached.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	n, err := r.file.Write(p)
	if err != nil {
		return n, err
	}

	r.lineCount += bytes.Count(p, []byte{'\n'})
	if r.maxLines > 0 && r.lineCount >= r.maxLines {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	return n, nil
}

// Close closes the current log file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotate must be called with r.mu held.
func (r *RotatingFile) rotate() error {
	r.file.Close()

	timestamp := r.now().Format("060102_150405.000")
	rotated := filepath.Join(r.dir, fmt.Sprintf("%s_%s", timestamp, logFileName))

	renameErr := os.Rename(r.path(), rotated)

	// Reopen even when the rename failed so logging continues.
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if renameErr == nil {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(r.path(), flags, 0o644)
	if err != nil {
		r.file = nil
		return fmt.Errorf("reopening log file: %w", err)
	}
	r.file = file
	if renameErr != nil {
		return fmt.Errorf("renaming log file: %w", renameErr)
	}

	r.lineCount = 0
	r.cleanupOldLogs()
	return nil
}

// cleanupOldLogs removes rotated logs older than the retention window.
func (r *RotatingFile) cleanupOldLogs() {
	if r.retentionDays <= 0 {
		return
	}
	cutoff := r.now().AddDate(0, 0, -r.retentionDays)

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_"+logFileName) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(r.dir, entry.Name()))
		}
	}
}
