package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"
)

const colorReset = "\033[0m"

// ColorHandler wraps a JSON handler and tints records by level.
type ColorHandler struct {
	slog.Handler
	out io.Writer
	mu  *sync.Mutex
}

// NewColorHandler returns a handler that writes JSON records to out, coloured by level.
func NewColorHandler(out io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	return &ColorHandler{
		Handler: slog.NewJSONHandler(out, opts),
		out:     out,
		mu:      &sync.Mutex{},
	}
}

// Handle writes the colour prefix, the record, and the reset sequence as one unit.
func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := levelColor(r.Level)
	if prefix != "" {
		_, _ = io.WriteString(h.out, prefix)
	}
	err := h.Handler.Handle(ctx, r)
	if prefix != "" {
		_, _ = io.WriteString(h.out, colorReset)
	}
	return err
}

// WithAttrs keeps the colouring on derived loggers.
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out, mu: h.mu}
}

// WithGroup keeps the colouring on grouped loggers.
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{Handler: h.Handler.WithGroup(name), out: h.out, mu: h.mu}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level < slog.LevelInfo:
		return "\033[34m"
	default:
		return ""
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
