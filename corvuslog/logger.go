// Package corvuslog provides structured logging for the storage engine,
// wrapping github.com/rs/zerolog with leveled helpers and component-scoped
// sub-loggers so call sites stay short.
package corvuslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how a Logger is constructed.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Empty means "info".
	Level string
	// Pretty switches to zerolog's human-readable console writer instead
	// of JSON. Meant for interactive CLI use, not production.
	Pretty bool
	// Output is the destination; nil means os.Stderr.
	Output io.Writer
	// WithCaller adds the source file:line of the log call.
	WithCaller bool
}

// Logger wraps a zerolog.Logger with corvusdb-specific helpers.
type Logger struct {
	zl zerolog.Logger
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		lvl, err := zerolog.ParseLevel(s)
		if err != nil {
			return zerolog.InfoLevel
		}
		return lvl
	}
}

// NewLogger builds a Logger from cfg.
func NewLogger(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.WithCaller {
		zl = zl.With().Caller().Logger()
	}
	return &Logger{zl: zl}
}

// GetZerolog returns the wrapped zerolog.Logger for callers that need it
// directly (e.g. to pass into a third-party library's logger hook).
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.zl
}

// WithFields returns a child Logger with fields attached to every entry.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger()}
}

// WithComponent returns a child Logger tagged with a "component" field,
// the basis for the Pager/WAL/Checkpoint sub-loggers below.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// PagerLogger returns a sub-logger for buffer-pool/eviction events.
func (l *Logger) PagerLogger() *Logger { return l.WithComponent("pager") }

// WALLogger returns a sub-logger for write-ahead-log events.
func (l *Logger) WALLogger() *Logger { return l.WithComponent("wal") }

// CheckpointLogger returns a sub-logger for checkpoint events.
func (l *Logger) CheckpointLogger() *Logger { return l.WithComponent("checkpoint") }

// RecoveryLogger returns a sub-logger for startup WAL-replay events.
func (l *Logger) RecoveryLogger() *Logger { return l.WithComponent("recovery") }

// LogPageEvicted records a buffer-pool eviction, the only per-page event
// worth a log line (eviction is comparatively rare; a log entry per page
// access would not be).
func (l *Logger) LogPageEvicted(pageID uint64, dirty bool) {
	l.PagerLogger().Debug().
		Uint64("page_id", pageID).
		Bool("dirty", dirty).
		Msg("page_evicted")
}

// LogWALCheckpoint records a completed checkpoint.
func (l *Logger) LogWALCheckpoint(framesWritten int, duration time.Duration) {
	l.CheckpointLogger().Info().
		Int("frames_written", framesWritten).
		Dur("duration", duration).
		Msg("wal_checkpoint")
}

// LogWALRecovery records a startup WAL replay.
func (l *Logger) LogWALRecovery(framesReplayed int, duration time.Duration) {
	l.RecoveryLogger().Info().
		Int("frames_replayed", framesReplayed).
		Dur("duration", duration).
		Msg("wal_recovery")
}

// LogReaderAborted records a snapshot read refused because the WAL has
// marked its reader aborted; the read fails with a TRANSACTION error
// rather than returning data.
func (l *Logger) LogReaderAborted(snapshotLSN uint64) {
	l.WALLogger().Warn().
		Uint64("snapshot_lsn", snapshotLSN).
		Msg("reader_aborted")
}

var global *Logger

// InitGlobalLogger installs l as the package-level global logger, used by
// code that has no Logger threaded through it (e.g. package init paths).
func InitGlobalLogger(l *Logger) {
	global = l
}

// GetGlobalLogger returns the global logger, defaulting to an info-level
// JSON logger on stderr if InitGlobalLogger was never called.
func GetGlobalLogger() *Logger {
	if global == nil {
		global = NewLogger(Config{})
	}
	return global
}
