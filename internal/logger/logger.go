// Package logger records MSP exchanges to CSV files with automatic
// rotation. A Logger is an fc.Tracer.
package logger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// Logger writes one row per request/response round-trip.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
	files  int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultPath    = "/var/log/mspconf"
	maxRowsPerFile = 100_000 // Rotate after 100k rows
)

var csvHeader = []string{
	"timestamp", "command", "name", "version",
	"request_len", "reply_len", "elapsed_ms", "result",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = maxRowsPerFile
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Trace records one exchange.
func (l *Logger) Trace(x fc.Exchange) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(x.Started); err != nil {
			log.Warnf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(x)); err != nil {
		log.Warnf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.files++
	filename := fmt.Sprintf("msp_%s_%03d.csv", now.Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(x fc.Exchange) []string {
	return []string{
		x.Started.Format(time.RFC3339Nano),
		strconv.Itoa(int(x.Code)),
		msp.CommandName(x.Code),
		x.Version.String(),
		strconv.Itoa(x.Request),
		strconv.Itoa(x.Reply),
		fmt.Sprintf("%.1f", float64(x.Duration)/float64(time.Millisecond)),
		result(x.Err),
	}
}

// result condenses an exchange error into one word.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fc.ErrTimedOut):
		return "timeout"
	case errors.Is(err, fc.ErrCLIBlocked):
		return "cli_blocked"
	case fc.IsDisconnected(err):
		return "closed"
	case fc.IsNotSupported(err):
		return "unsupported"
	}
	return "error"
}
