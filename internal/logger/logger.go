package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[37m"
)

const logFileName = "server.log"

type ConsoleHandler struct {
	mu    sync.Mutex
	out   io.Writer
	attrs []slog.Attr
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s%s\n",
		levelColor, r.Level.String()[:4], Reset, timeStr, r.Message, formatAttrs(h.attrs, r))

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ConsoleHandler{out: h.out, attrs: appendAttrs(h.attrs, attrs)}
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// FileHandler emits plain text records without ANSI colors.
type FileHandler struct {
	mu    sync.Mutex
	out   io.Writer
	attrs []slog.Attr
}

func NewFileHandler(out io.Writer) *FileHandler {
	return &FileHandler{out: out}
}

func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := fmt.Sprintf("%s %s %s%s\n",
		r.Time.Format(time.RFC3339), r.Level.String(), r.Message, formatAttrs(h.attrs, r))

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{out: h.out, attrs: appendAttrs(h.attrs, attrs)}
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	return h
}

func appendAttrs(base, extra []slog.Attr) []slog.Attr {
	merged := make([]slog.Attr, 0, len(base)+len(extra))
	merged = append(merged, base...)
	merged = append(merged, extra...)
	return merged
}

func formatAttrs(base []slog.Attr, r slog.Record) string {
	var sb strings.Builder
	for _, a := range base {
		sb.WriteString(" ")
		sb.WriteString(a.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		sb.WriteString(" ")
		sb.WriteString(a.String())
		return true
	})
	return sb.String()
}

// New creates a logger writing colored output to the console.
func New(consoleOutput io.Writer) *slog.Logger {
	return slog.New(NewConsoleHandler(consoleOutput))
}

// NewFile creates a logger appending plain text to <dir>/server.log.
func NewFile(dir string) (*slog.Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return slog.New(NewFileHandler(f)), nil
}

// NewNop creates a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type FanoutHandler struct {
	handlers []slog.Handler
}

func NewFanout(handlers ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{handlers: handlers}
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}
