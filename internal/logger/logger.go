package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	levelVar = new(slog.LevelVar)
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	levelVar.Set(ParseLevel(levelStr))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch levelVar.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// lineHandler writes "[15:04:05] [LEVEL] msg k=v" lines to every output.
type lineHandler struct {
	mu    *sync.Mutex
	outs  []io.Writer
	attrs []slog.Attr
	group string
}

func newLineHandler(outs []io.Writer) *lineHandler {
	return &lineHandler{mu: &sync.Mutex{}, outs: outs}
}

// Enabled implements slog.Handler
func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= levelVar.Level()
}

// Handle implements slog.Handler
func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)

	for _, a := range h.attrs {
		h.appendAttr(&b, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a)
		return true
	})
	b.WriteString("\n")

	line := []byte(b.String())
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func (h *lineHandler) appendAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(a.Value.String())
}

// WithAttrs implements slog.Handler
func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lineHandler{mu: h.mu, outs: h.outs, attrs: merged, group: h.group}
}

// WithGroup implements slog.Handler
func (h *lineHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &lineHandler{mu: h.mu, outs: h.outs, attrs: h.attrs, group: group}
}

// JSONParsingWriter reformats JSON log lines (sipgo's structured output) into
// the same line format the slog handler produces.
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps base.
func NewJSONParsingWriter(base io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: base}
}

// Write implements io.Writer
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := ""
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}
	stamp := time.Now().Format("15:04:05")
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			stamp = ts.Format("15:04:05")
		}
	}

	var attrs []string
	for k, v := range entry {
		switch k {
		case "level", "message", "time", "caller":
			continue
		}
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
	}

	line := fmt.Sprintf("[%s] [%s] [SIP] %s", stamp, strings.ToUpper(level), message)
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	if _, err := w.base.Write([]byte(line + "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// InitLogger installs the line handler as the default slog logger. Outputs are
// wrapped so JSON lines written straight to them come out in the same format.
func InitLogger(outputs ...io.Writer) {
	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = NewJSONParsingWriter(out)
	}
	slog.SetDefault(slog.New(newLineHandler(wrapped)))
}

// InitFromConfig sets the level and writes to stdout plus an optional log file.
// The returned closer releases the file.
func InitFromConfig(level, file string) (io.Closer, error) {
	SetLevel(level)
	outs := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", file, err)
		}
		outs = append(outs, f)
		closer = f
	}
	InitLogger(outs...)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
