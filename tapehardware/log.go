package tapehardware

import (
	"log/slog"
	"os"
	"sync"
)

// component identifies the subsystem in log records.
type component string

const (
	componentDrive     component = "drive"
	componentStream    component = "stream"
	componentSimulator component = "simulator"
	componentLibrary   component = "library"
)

var (
	logMu  sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

// SetLogger replaces the package logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	logger = l
}

func currentLogger() *slog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

func logDebug(c component, msg string, args ...any) {
	currentLogger().Debug(msg, append([]any{"component", string(c)}, args...)...)
}

func logInfo(c component, msg string, args ...any) {
	currentLogger().Info(msg, append([]any{"component", string(c)}, args...)...)
}

func logWarn(c component, msg string, args ...any) {
	currentLogger().Warn(msg, append([]any{"component", string(c)}, args...)...)
}
