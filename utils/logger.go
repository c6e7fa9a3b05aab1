package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger writes run events to a log file. Event and Fatal keep the
// free-form message style; Slog exposes the structured logger underneath so
// library packages log into the same file.
type Logger struct {
	Filename string
	file     *os.File
	slog     *slog.Logger
}

// LoggerOption adjusts how NewLogger formats records.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level slog.Level
	json  bool
}

// WithLevel sets the minimum level written.
func WithLevel(level slog.Level) LoggerOption {
	return func(o *loggerOptions) { o.level = level }
}

// WithJSON writes one JSON object per record instead of text.
func WithJSON(on bool) LoggerOption {
	return func(o *loggerOptions) { o.json = on }
}

// used by Fatal, replaced in tests
var exit = os.Exit

// NewLogger opens filename for appending, creating it if needed. If cleanup
// is set an existing file is truncated first. An empty filename or one that
// cannot be opened logs to stderr.
func NewLogger(filename string, cleanup bool, opts ...LoggerOption) *Logger {
	o := loggerOptions{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Logger{Filename: filename}
	var w io.Writer = os.Stderr
	if filename != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if cleanup {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(filename, flags, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Unable to open log file:", err)
		} else {
			l.file = f
			w = f
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: o.level}
	if o.json {
		l.slog = slog.New(slog.NewJSONHandler(w, handlerOpts))
	} else {
		l.slog = slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return l
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Slog returns the structured logger.
func (l *Logger) Slog() *slog.Logger { return l.slog }

func (l *Logger) Event(message ...any) {
	l.slog.Info(fmt.Sprint(message...))
}

func (l *Logger) Warn(message ...any) {
	l.slog.Warn(fmt.Sprint(message...))
}

// Fatal logs the message, closes the log file and exits the process.
func (l *Logger) Fatal(message ...any) {
	msg := fmt.Sprint(message...)
	l.slog.Error(msg)
	if l.file != nil {
		fmt.Fprintln(os.Stderr, msg)
	}
	l.Close()
	exit(1)
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
