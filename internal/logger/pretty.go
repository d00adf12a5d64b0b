package logger

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// PrettyOptions configures a PrettyHandler.
type PrettyOptions struct {
	Level slog.Leveler
	// NoColor disables ANSI escapes, for redirected output.
	NoColor bool
}

// PrettyHandler renders records as
//
//	15:04:05 INFO  message key=value
//
// Float attributes are printed with four significant digits so accuracy and
// scale values stay readable in tuning logs.
type PrettyHandler struct {
	opts   PrettyOptions
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	attrs  []slog.Attr
}

// NewPrettyHandler returns a handler writing to w.  opts may be nil.
func NewPrettyHandler(w io.Writer, opts *PrettyOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	floor := slog.LevelInfo
	if h.opts.Level != nil {
		floor = h.opts.Level.Level()
	}
	return level >= floor
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = h.color(buf, ansiGray)
	buf = r.Time.AppendFormat(buf, time.TimeOnly)
	buf = h.color(buf, ansiReset)
	buf = append(buf, ' ')

	buf = h.color(buf, levelColor(r.Level))
	buf = h.color(buf, ansiBold)
	lvl := r.Level.String()
	buf = append(buf, lvl...)
	buf = append(buf, strings.Repeat(" ", max(0, 5-len(lvl)))...)
	buf = h.color(buf, ansiReset)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		buf = h.color(buf, ansiCyan)
		for _, a := range h.attrs {
			buf = append(buf, ' ')
			buf = appendAttr(buf, a, "")
		}
		r.Attrs(func(a slog.Attr) bool {
			buf = append(buf, ' ')
			buf = appendAttr(buf, a, h.prefix)
			return true
		})
		buf = h.color(buf, ansiReset)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := h.clone()
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		out.attrs = append(out.attrs, a)
	}
	return out
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := h.clone()
	out.prefix = h.prefix + name + "."
	return out
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		opts:   h.opts,
		mu:     h.mu,
		w:      h.w,
		prefix: h.prefix,
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
}

func (h *PrettyHandler) color(buf []byte, code string) []byte {
	if h.opts.NoColor {
		return buf
	}
	return append(buf, code...)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

func appendAttr(buf []byte, a slog.Attr, prefix string) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for i, g := range group {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, g, p)
		}
		return buf
	}
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if needsQuoting(s) {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, a.Value.Float64(), 'g', 4, 64)
	case slog.KindDuration:
		return append(buf, a.Value.Duration().Round(time.Millisecond).String()...)
	case slog.KindTime:
		return a.Value.Time().AppendFormat(buf, time.RFC3339)
	default:
		return append(buf, a.Value.String()...)
	}
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsAny(s, " \t\n\"=")
}
