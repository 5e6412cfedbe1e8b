// Package log provides the newline-delimited JSON logger: one object
// per event appended to the log file for the process lifetime, with
// error records mirrored to stderr.
package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Handler is a slog handler that renders records as single-line JSON
// objects {ts, level, msg, ...attrs}.
type Handler struct {
	w      io.Writer
	mirror io.Writer // receives records at >= mirrorLevel, may be nil
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
	mu     *sync.Mutex
}

// mirrorLevel is the threshold above which records are copied to the
// mirror writer.
const mirrorLevel = slog.LevelError

// NewHandler creates a Handler writing to w, mirroring errors to mirror.
func NewHandler(w, mirror io.Writer, level slog.Leveler) *Handler {
	return &Handler{
		w:      w,
		mirror: mirror,
		level:  level,
		mu:     &sync.Mutex{},
	}
}

// Enabled reports whether the handler handles records at the given
// level. A nil leveler means LevelInfo.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.level != nil {
		minLevel = h.level.Level()
	}
	return level >= minLevel
}

// Handle serializes and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	event := make(map[string]any, r.NumAttrs()+3)
	event["ts"] = r.Time.UTC().Format(time.RFC3339Nano)
	event["level"] = r.Level.String()
	event["msg"] = r.Message

	for _, attr := range h.attrs {
		h.put(event, attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(event, a)
		return true
	})

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.w.Write(line); err != nil {
		return err
	}
	if h.mirror != nil && r.Level >= mirrorLevel {
		_, _ = h.mirror.Write(line)
	}
	return nil
}

// put stores an attribute, resolving values and flattening errors to
// their message.
func (h *Handler) put(event map[string]any, a slog.Attr) {
	key := h.group + a.Key
	value := a.Value.Resolve()
	if value.Kind() == slog.KindAny {
		if err, ok := value.Any().(error); ok {
			event[key] = err.Error()
			return
		}
	}
	event[key] = value.Any()
}

// WithAttrs returns a new Handler with the given attributes.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup returns a new Handler with the given group.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.group = h.group + name + "."
	return &clone
}

// AccessEntry is one request-completion line of the access log.
type AccessEntry struct {
	Method    string
	URL       string
	Status    int
	LatencyMs float64
	IP        string
	KeyID     string
}

// Access writes an access log line through logger.
func Access(logger *slog.Logger, entry AccessEntry) {
	attrs := []any{
		"method", entry.Method,
		"url", entry.URL,
		"status", entry.Status,
		"latencyMs", entry.LatencyMs,
		"ip", entry.IP,
	}
	if entry.KeyID != "" {
		attrs = append(attrs, "keyId", entry.KeyID)
	}
	logger.Info("access", attrs...)
}

// String renders the entry for debugging.
func (e AccessEntry) String() string {
	return fmt.Sprintf("%s %s -> %d (%.1fms)", e.Method, e.URL, e.Status, e.LatencyMs)
}
