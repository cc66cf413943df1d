package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// TimeLayout is the timestamp layout used for every diagnostic record and for
// captured child output.
const TimeLayout = "01/02/06 15:04:05"

// ComponentKey is the attribute key rendered in the record prefix instead of
// the key=value tail.
const ComponentKey = "component"

// ColorTextHandler wraps slog.TextHandler to render records as
//
//	[01/02/06 15:04:05]: [supervisor:INFO]: message key=value
//
// with ANSI colors on the level when color is enabled. The embedded
// TextHandler renders the key=value tail.
type ColorTextHandler struct {
	*slog.TextHandler
	out       *prefixWriter
	color     bool
	component string
	grouped   bool
}

// NewColorTextHandler creates a new ColorTextHandler. opts may be nil.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		// these move into the prefix
		if len(groups) == 0 {
			switch a.Key {
			case slog.TimeKey, slog.LevelKey, slog.MessageKey, ComponentKey:
				return slog.Attr{}
			}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	out := &prefixWriter{w: w}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(out, &o),
		out:         out,
		color:       color,
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if !h.grouped {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if component == "" {
		component = "main"
	}
	level := levelName(r.Level)
	if h.color {
		level = levelColor(r.Level) + level + "\033[0m"
	}

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = "[" + r.Time.Format(TimeLayout) + "]: [" + component + ":" + level + "]: " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	if !h.grouped {
		for _, a := range attrs {
			if a.Key == ComponentKey {
				n.component = a.Value.String()
			}
		}
	}
	n.TextHandler = h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)
	return &n
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := *h
	n.grouped = true
	n.TextHandler = h.TextHandler.WithGroup(name).(*slog.TextHandler)
	return &n
}

// prefixWriter puts the current record's prefix in front of the tail the
// TextHandler writes. Handle holds mu for the whole record, and every clone
// of a handler shares one prefixWriter.
type prefixWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(tail []byte) (int, error) {
	line := make([]byte, 0, len(p.prefix)+1+len(tail))
	line = append(line, p.prefix...)
	if len(tail) > 0 && tail[0] != '\n' {
		line = append(line, ' ')
	}
	line = append(line, tail...)
	if _, err := p.w.Write(line); err != nil {
		return 0, err
	}
	return len(tail), nil
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}
