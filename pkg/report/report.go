// Package report surfaces degraded-but-correct conditions to the user
// without flooding the log.
package report

import (
	"log/slog"
	"sync"
)

// Kinds of warnings. Each is reported once per process.
const (
	CacheCheck  = "remote-cache-check"
	Upload      = "remote-upload"
	Fallback    = "remote-fallback"
	ServerLogs  = "server-logs"
	PartialDown = "partial-download"
)

// Reporter receives warnings. Implementations must not block.
type Reporter interface {
	Warn(kind, msg string, err error)
}

// LogReporter logs the first warning of each kind at warn level and the
// rest at debug level.
type LogReporter struct {
	seen   sync.Map
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger.With("component", "report")}
}

func (r *LogReporter) Warn(kind, msg string, err error) {
	if _, loaded := r.seen.LoadOrStore(kind, struct{}{}); loaded {
		r.logger.Debug(msg, "kind", kind, "error", err)
		return
	}
	r.logger.Warn(msg, "kind", kind, "error", err)
}

// Nop discards every warning.
type Nop struct{}

func (Nop) Warn(kind, msg string, err error) {}
