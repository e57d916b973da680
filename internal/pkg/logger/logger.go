package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// HearthHandler implements slog.Handler with the hearthcall text format:
// 2006/01/02 15:04:05 HEARTHCALL [LEVEL] [Component] message key=value
type HearthHandler struct {
	opts      slog.HandlerOptions
	attrs     []slog.Attr
	w         io.Writer
	useColor  bool
	component string
}

// NewHearthHandler creates a new hearthcall-formatted handler
func NewHearthHandler(w io.Writer, opts *slog.HandlerOptions) *HearthHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &HearthHandler{
		opts:     *opts,
		w:        w,
		useColor: isTerminal(w),
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *HearthHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle formats and outputs the log record
func (h *HearthHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(r.Time.Format("2006/01/02 15:04:05"))
	buf.WriteString(" HEARTHCALL ")

	levelStr := levelString(r.Level)
	if h.useColor {
		levelStr = colorize(r.Level, levelStr)
	}
	buf.WriteString("[")
	buf.WriteString(levelStr)
	buf.WriteString("]")

	component := h.component
	if component == "" {
		for _, attr := range h.attrs {
			if attr.Key == "component" {
				component = attr.Value.String()
				break
			}
		}
		if component == "" {
			r.Attrs(func(a slog.Attr) bool {
				if a.Key == "component" {
					component = a.Value.String()
					return false
				}
				return true
			})
		}
	}

	if component != "" {
		component = strings.ToUpper(component[:1]) + component[1:]
		buf.WriteString(" [")
		buf.WriteString(component)
		buf.WriteString("]")
	}

	buf.WriteString(" ")
	buf.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			return true
		}
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(fmt.Sprint(a.Value.Any()))
		return true
	})

	for _, attr := range h.attrs {
		if attr.Key == "component" {
			continue
		}
		buf.WriteString(" ")
		buf.WriteString(attr.Key)
		buf.WriteString("=")
		buf.WriteString(fmt.Sprint(attr.Value.Any()))
	}

	buf.WriteString("\n")
	_, err := h.w.Write([]byte(buf.String()))
	return err
}

// WithAttrs returns a new handler with the given attributes
func (h *HearthHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)

	component := h.component
	for _, attr := range attrs {
		if attr.Key == "component" {
			component = attr.Value.String()
		} else {
			newAttrs = append(newAttrs, attr)
		}
	}

	return &HearthHandler{
		opts:      h.opts,
		attrs:     newAttrs,
		w:         h.w,
		useColor:  h.useColor,
		component: component,
	}
}

// WithGroup returns the handler unchanged; groups are flattened in the
// hearthcall text format.
func (h *HearthHandler) WithGroup(name string) slog.Handler {
	return h
}

// levelString returns the string representation of slog.Level
func levelString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < slog.LevelWarn:
		return "INFO"
	case level < slog.LevelError:
		return "WARN"
	default:
		return "ERROR"
	}
}

// colorize adds ANSI color codes to the log level
func colorize(level slog.Level, text string) string {
	const (
		colorReset  = "\033[0m"
		colorGray   = "\033[90m"
		colorGreen  = "\033[32m"
		colorYellow = "\033[33m"
		colorRed    = "\033[31m"
	)

	switch {
	case level < slog.LevelInfo:
		return colorGray + text + colorReset
	case level < slog.LevelWarn:
		return colorGreen + text + colorReset
	case level < slog.LevelError:
		return colorYellow + text + colorReset
	default:
		return colorRed + text + colorReset
	}
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if w == os.Stdout || w == os.Stderr {
		term := os.Getenv("TERM")
		return term != "" && !strings.Contains(term, "dumb")
	}
	return false
}

// New creates a new logger instance
func New(cfg Config) *Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = NewHearthHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// With returns a new logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Component returns a logger with a component attribute
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}
