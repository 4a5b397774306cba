package rendergraph

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/rendergraph/dispatch"
	"github.com/gogpu/rendergraph/frame"
	"github.com/gogpu/rendergraph/pipeline"
	"github.com/gogpu/rendergraph/state"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for rendergraph and all its
// sub-packages. By default, rendergraph produces no log output.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by rendergraph:
//   - [slog.LevelDebug]: schedule, barrier and synchronization statistics
//   - [slog.LevelInfo]: lifecycle events (scheduler created, closed)
//   - [slog.LevelWarn]: queue fallbacks and dropped frames
//   - [slog.LevelError]: ring invalidation
//
// Example:
//
//	rendergraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	state.SetLogger(l)
	dispatch.SetLogger(l)
	frame.SetLogger(l)
	pipeline.SetLogger(l)
}

// Logger returns the current logger used by rendergraph.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

func slogger() *slog.Logger { return loggerPtr.Load() }
