// Package logging provides component-scoped console logging for the
// proximity engine. Output is rendered by cdr.dev/slog sinks: human readable
// by default, JSON lines when requested.
package logging

import (
	"context"
	"io"
	"os"
	"sort"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"cdr.dev/slog/v3/sloggers/slogjson"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var slogLevels = map[Level]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// Format selects the sink used to render log entries.
type Format string

const (
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// Options configures a Logger.
type Options struct {
	// Output defaults to os.Stdout.
	Output io.Writer
	// Level defaults to LevelInfo.
	Level Level
	// Format defaults to FormatHuman.
	Format Format
}

// Logger writes leveled entries with key=value fields.
type Logger struct {
	base      slog.Logger
	component string
}

// New creates a new Logger.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var sink slog.Sink
	switch opts.Format {
	case FormatJSON:
		sink = slogjson.Sink(out)
	default:
		sink = sloghuman.Sink(out)
	}

	level, ok := slogLevels[opts.Level]
	if !ok {
		level = slog.LevelInfo
	}

	return &Logger{base: slog.Make(sink).Leveled(level)}
}

// FromSlog wraps an existing slog.Logger, typically one built by slogtest.
func FromSlog(base slog.Logger) *Logger {
	return &Logger{base: base}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{base: slog.Make()}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		base:      l.base.Named(component),
		component: component,
	}
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() slog.Logger {
	return l.base
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.base.Debug(context.Background(), msg, toFields(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.base.Info(context.Background(), msg, toFields(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.base.Warn(context.Background(), msg, toFields(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.base.Error(context.Background(), msg, toFields(fields)...)
}

// toFields flattens the optional field map into slog fields, sorted by key.
func toFields(fields []map[string]interface{}) []slog.Field {
	if len(fields) == 0 || fields[0] == nil {
		return nil
	}
	keys := make([]string, 0, len(fields[0]))
	for k := range fields[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]slog.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.F(k, fields[0][k]))
	}
	return out
}

// --- Event-derived logging methods ---

// Banner logs the node identity at startup.
func (l *Logger) Banner(selfID, displayName string, debug bool) {
	l.Info("proximity node starting", map[string]interface{}{
		"self_id": selfID,
		"name":    displayName,
		"debug":   debug,
	})
}

// RadioState logs a change in radio availability.
func (l *Logger) RadioState(state string, scanning bool) {
	fields := map[string]interface{}{
		"state":    state,
		"scanning": scanning,
	}
	if scanning {
		l.Info("radio_state", fields)
	} else {
		l.Warn("radio_state", fields)
	}
}

// DeviceRejected logs an observation that does not belong to a tracked peer.
func (l *Logger) DeviceRejected(name, address, reason string) {
	l.Debug("device_rejected", map[string]interface{}{
		"name":    name,
		"address": address,
		"reason":  reason,
	})
}

// PeerDiscovered logs the first sighting of a peer.
func (l *Logger) PeerDiscovered(peerID, name, address string) {
	l.Info("peer_discovered", map[string]interface{}{
		"peer_id": peerID,
		"name":    name,
		"address": address,
	})
}

// PeerUpdated logs a refreshed presence record.
func (l *Logger) PeerUpdated(peerID string, signal, tracked int) {
	l.Debug("peer_updated", map[string]interface{}{
		"peer_id": peerID,
		"signal":  signal,
		"tracked": tracked,
	})
}

// PeerLeft logs an eviction.
func (l *Logger) PeerLeft(peerID string) {
	l.Info("peer_left_range", map[string]interface{}{
		"peer_id": peerID,
	})
}

// PeerStatus logs one peer's state during a sweep.
func (l *Logger) PeerStatus(peerID string, elapsed time.Duration, signal int, distance float64, heartRate string) {
	l.Debug("peer_status", map[string]interface{}{
		"peer_id":    peerID,
		"elapsed":    elapsed.Round(100 * time.Millisecond).String(),
		"signal":     signal,
		"distance_m": distance,
		"heart_rate": heartRate,
	})
}

// ProximityEvent logs an emitted proximity event.
func (l *Logger) ProximityEvent(selfID, peerID string, distance float64, heartRate string) {
	l.Info("proximity_event", map[string]interface{}{
		"self_id":    selfID,
		"peer_id":    peerID,
		"distance_m": distance,
		"heart_rate": heartRate,
	})
}

// SendFailed logs a failed send attempt that will be retried.
func (l *Logger) SendFailed(kind string, attempt int, next time.Duration, err error) {
	l.Warn("send_failed", map[string]interface{}{
		"kind":    kind,
		"attempt": attempt,
		"retry":   next.String(),
		"error":   err.Error(),
	})
}

// SendGaveUp logs a record dropped after its last attempt.
func (l *Logger) SendGaveUp(kind, peerID string, attempts int, err error) {
	l.Error("send_gave_up", map[string]interface{}{
		"kind":     kind,
		"peer_id":  peerID,
		"attempts": attempts,
		"error":    err.Error(),
	})
}

// SendSucceeded logs a delivered record.
func (l *Logger) SendSucceeded(kind, deviceID, nearbyID string, attempt int) {
	l.Debug("send_ok", map[string]interface{}{
		"kind":             kind,
		"device_id":        deviceID,
		"nearby_device_id": nearbyID,
		"attempt":          attempt,
	})
}

// DuplicateDropped logs a send suppressed because the same key is in flight.
func (l *Logger) DuplicateDropped(key string) {
	l.Debug("duplicate_dropped", map[string]interface{}{
		"key": key,
	})
}
