package loggy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Level is the minimum record level forwarded. Defaults to slog.LevelInfo.
	Level slog.Leveler

	// Tag is used when a record carries no "tag" attribute.
	Tag string
}

// Handler is a slog.Handler that forwards records to an Engine. A "tag"
// attribute becomes the message tag and the first error-valued attribute
// becomes the message error; remaining attributes are appended to the
// message as key=value pairs.
//
// An engine never logs its own diagnostics through a Handler, so installing
// one as the slog default is safe.
type Handler struct {
	engine *Engine
	opts   HandlerOptions
	attrs  []slog.Attr
	group  string
}

// NewHandler returns a Handler writing to e. opts may be nil.
func NewHandler(e *Engine, opts *HandlerOptions) *Handler {
	h := &Handler{engine: e}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = slog.LevelInfo
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	tag := h.opts.Tag
	var err error
	var b strings.Builder
	b.WriteString(r.Message)

	visit := func(group string, a slog.Attr) {
		a.Value = a.Value.Resolve()
		if a.Equal(slog.Attr{}) {
			return
		}
		if a.Key == "tag" && group == "" {
			tag = a.Value.String()
			return
		}
		if e, ok := a.Value.Any().(error); ok && err == nil {
			err = e
			return
		}
		writeAttr(&b, group, a)
	}
	for _, a := range h.attrs {
		visit("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		visit(h.group, a)
		return true
	})

	h.engine.Log(levelFromSlog(r.Level), tag, b.String(), err)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h.group != "" {
		h2.group = h.group + "." + name
	} else {
		h2.group = name
	}
	return &h2
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key == "" {
			key = prefix
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\n\"") {
		v = strconv.Quote(v)
	}
	b.WriteString(v)
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}
