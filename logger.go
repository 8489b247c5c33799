package particles

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/particles/internal/schedule"
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

// devices holds the devices of live dispatchers that accept a logger.
var (
	devicesMu sync.Mutex
	devices   = make(map[loggerSetter]int)
)

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for particles and all its sub-packages.
// By default, particles produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by particles:
//   - [slog.LevelDebug]: per-frame diagnostics (groups planned, dispatch counts, buffer sizes)
//   - [slog.LevelInfo]: lifecycle events (dispatcher created, device opened)
//   - [slog.LevelWarn]: non-fatal issues (readback failures, backpressure policy triggered)
//
// Example:
//
//	// Enable debug-level logging to stderr:
//	particles.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	schedule.SetLogger(l)

	devicesMu.Lock()
	defer devicesMu.Unlock()
	for d := range devices {
		d.SetLogger(l)
	}
}

// Logger returns the current logger used by particles.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// slogger is the package-internal shorthand for Logger.
func slogger() *slog.Logger { return loggerPtr.Load() }

// loggerSetter is implemented by devices that accept a logger, such as
// backend/native.Device.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// trackDevice hands the current logger to dev and keeps it updated until
// untrackDevice.
func trackDevice(dev any) {
	ls, ok := dev.(loggerSetter)
	if !ok {
		return
	}
	devicesMu.Lock()
	defer devicesMu.Unlock()
	devices[ls]++
	ls.SetLogger(Logger())
}

func untrackDevice(dev any) {
	ls, ok := dev.(loggerSetter)
	if !ok {
		return
	}
	devicesMu.Lock()
	defer devicesMu.Unlock()
	if devices[ls] <= 1 {
		delete(devices, ls)
		return
	}
	devices[ls]--
}
