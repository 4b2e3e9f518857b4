// Package logger provides structured logging setup for Vigil.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level         string // debug, info, warn, error
	Pretty        bool   // Enable pretty console output
	BaseDir       string // Optional directory for the daily log file; empty disables file output
	RetentionDays int    // Log files older than this are removed by Cleanup (0 keeps everything)
}

// New creates a new structured logger. When BaseDir is set, log events are
// written both to the console and to a daily file (vigil-YYYY-MM-DD.log).
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var console io.Writer = os.Stdout
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	writer := console
	if cfg.BaseDir != "" {
		if file, err := openDailyFile(cfg.BaseDir); err == nil {
			writer = zerolog.MultiLevelWriter(console, file)
		} else {
			// Console-only fallback; the error is reported on the new logger below.
			defer func() { log.Warn().Err(err).Msg("File logging disabled") }()
		}
	}

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetGlobalLogger sets the package-level logger
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}

// openDailyFile opens (creating if needed) today's log file under baseDir.
func openDailyFile(baseDir string) (*os.File, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("vigil-%s.log", time.Now().Format("2006-01-02"))
	path := filepath.Join(baseDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return file, nil
}

// Cleanup removes log files in baseDir older than retentionDays.
// A retention of 0 disables cleanup. Returns the number of files removed.
func Cleanup(baseDir string, retentionDays int) (int, error) {
	if baseDir == "" || retentionDays <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "vigil-") || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(baseDir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}
