package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/donna/internal/shared"
)

const logFileName = "system.jsonl"

// sensitiveKeyTokens flag attribute keys whose values never belong in a
// log line, regardless of what the value looks like.
var sensitiveKeyTokens = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

// NewLogger builds the daemon logger: JSON lines appended to
// <home>/logs/system.jsonl, mirrored to stdout unless quiet. The returned
// closer owns the log file. Secret-looking attributes are redacted before
// they reach any sink, keyed on both the attribute name and the value.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := io.Writer(file)
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: sanitizeAttr,
	})
	logger := slog.New(handler).With("component", "donna", "trace_id", "-")
	return logger, file, nil
}

func sanitizeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyIsSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		raw := a.Value.String()
		if clean := scrubValue(raw); clean != raw {
			return slog.String(a.Key, clean)
		}
	}
	return a
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// scrubValue returns v with embedded credentials removed. Values carrying
// auth headers are dropped wholesale; everything else goes through the
// shared pattern redaction.
func scrubValue(v string) string {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "authorization:") {
		return "[REDACTED]"
	}
	return shared.Redact(v)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
