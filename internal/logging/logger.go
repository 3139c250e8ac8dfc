// Package logging provides structured JSON logging for the sidecar.
//
// One JSON object per line on stdout. Every string value, including the
// message itself, passes through the redactor so PII never reaches the log
// stream. Error-level output is rate limited to avoid flooding during a
// sustained upstream outage.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sifthq/aisorter/internal/redact"
)

// Logger is the logging contract used across the sidecar. Components accept
// a Logger rather than reaching for a global so tests can inject their own.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// NoOpLogger discards everything. Useful default for tests.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
func (NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (NoOpLogger) Error(msg string, fields map[string]interface{}) {}

// Level ordering for threshold checks.
var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// JSONLogger emits one JSON object per line.
type JSONLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  int
	fields map[string]interface{} // bound fields, already redacted

	// Rate limiting for error logs, max one per interval.
	errInterval time.Duration
	errLast     time.Time
}

// New creates a JSONLogger writing to stdout at the given threshold level
// (debug|info|warn|error). Unknown levels fall back to info.
func New(level string) *JSONLogger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter creates a JSONLogger writing to w. Used by tests.
func NewWithWriter(level string, w io.Writer) *JSONLogger {
	rank, ok := levelRank[strings.ToLower(level)]
	if !ok {
		rank = levelRank["info"]
	}
	return &JSONLogger{
		out:         w,
		level:       rank,
		errInterval: time.Second,
	}
}

// With returns a logger that includes the given fields on every line.
// Request handlers use this to bind request_id once.
func (l *JSONLogger) With(fields map[string]interface{}) *JSONLogger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range redact.Map(fields) {
		merged[k] = v
	}
	return &JSONLogger{
		out:         l.out,
		level:       l.level,
		fields:      merged,
		errInterval: l.errInterval,
	}
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log("info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	now := time.Now()
	if l.errInterval > 0 && now.Sub(l.errLast) < l.errInterval {
		l.mu.Unlock()
		return
	}
	l.errLast = now
	l.mu.Unlock()
	l.log("error", msg, fields)
}

// SetErrorInterval adjusts (or with 0 disables) error-log rate limiting.
func (l *JSONLogger) SetErrorInterval(d time.Duration) {
	l.mu.Lock()
	l.errInterval = d
	l.mu.Unlock()
}

func (l *JSONLogger) log(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < l.level {
		return
	}

	entry := map[string]interface{}{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   redact.String(msg),
	}
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range redact.Map(fields) {
		if k == "ts" || k == "level" || k == "msg" {
			continue
		}
		entry[k] = v
	}

	// Encode without HTML escaping so redaction placeholders like <EMAIL>
	// appear literally in the output.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		// Encoding can only fail on exotic values; degrade to a plain line.
		buf.Reset()
		fmt.Fprintf(&buf, "{\"ts\":%q,\"level\":%q,\"msg\":%q}\n",
			entry["ts"], level, redact.String(msg))
	}

	l.mu.Lock()
	_, _ = l.out.Write(buf.Bytes())
	l.mu.Unlock()
}

type contextKey struct{}

// WithRequestID stores a request id in the context for downstream loggers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// RequestIDFrom extracts the request id placed by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// ForRequest returns a logger bound to the request id in ctx, if any.
func (l *JSONLogger) ForRequest(ctx context.Context) *JSONLogger {
	id := RequestIDFrom(ctx)
	if id == "" {
		return l
	}
	return l.With(map[string]interface{}{"request_id": id})
}
