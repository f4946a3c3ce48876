package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const backupTimeFormat = "20060102T150405.000"

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the file to write logs to
	Filename string

	// MaxSize in bytes before the file is rotated; zero disables rotation
	MaxSize int64

	// MaxBackups is the number of rotated files to keep; zero keeps all
	MaxBackups int

	// Compress gzips rotated files
	Compress bool

	// Now stamps backup names; time.Now when nil
	Now func() time.Time
}

// LogRotator is an io.Writer over a log file that is renamed aside once it
// reaches MaxSize. Backups are named <name>-<timestamp><ext>[.gz] next to
// the live file.
type LogRotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator opens (or appends to) config.Filename
func NewLogRotator(config RotationConfig) (*LogRotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	lr := &LogRotator{config: config}
	if err := lr.open(); err != nil {
		return nil, err
	}
	return lr, nil
}

func (lr *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0750); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	lr.file = f
	lr.size = info.Size()
	return nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if max := lr.config.MaxSize; max > 0 && lr.size > 0 && lr.size+int64(len(p)) > max {
		if err := lr.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Sync flushes the live file
func (lr *LogRotator) Sync() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.file == nil {
		return nil
	}
	return lr.file.Sync()
}

// Close closes the live file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate moves the live file aside now
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.file == nil {
		return os.ErrClosed
	}
	return lr.rotateLocked()
}

func (lr *LogRotator) rotateLocked() error {
	if err := lr.file.Close(); err != nil {
		return err
	}
	lr.file = nil

	backup := lr.backupName(lr.config.Now())
	if err := os.Rename(lr.config.Filename, backup); err != nil {
		return err
	}
	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			return err
		}
	}
	if err := lr.open(); err != nil {
		return err
	}
	return lr.pruneLocked()
}

func (lr *LogRotator) backupName(t time.Time) string {
	dir, base := filepath.Split(lr.config.Filename)
	ext := filepath.Ext(base)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", strings.TrimSuffix(base, ext), t.UTC().Format(backupTimeFormat), ext))
}

// Backups lists rotated files, oldest first
func (lr *LogRotator) Backups() ([]string, error) {
	dir, base := filepath.Split(lr.config.Filename)
	if dir == "" {
		dir = "."
	}
	prefix := strings.TrimSuffix(base, filepath.Ext(base)) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	// The timestamp format sorts lexically
	sort.Strings(out)
	return out, nil
}

func (lr *LogRotator) pruneLocked() error {
	if lr.config.MaxBackups <= 0 {
		return nil
	}
	backups, err := lr.Backups()
	if err != nil {
		return err
	}
	for len(backups) > lr.config.MaxBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
