package slogutil

import (
	"context"
	"log/slog"
	"maps"
)

type ctxDataKey struct{}

type ctxData map[string]slog.Attr

func cloneData(ctx context.Context) ctxData {
	d, ok := ctx.Value(ctxDataKey{}).(ctxData)
	if !ok {
		return ctxData{}
	}
	return maps.Clone(d)
}

// With returns a context carrying the given key-value pairs. Every log
// record emitted with this context picks them up.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}

	d := cloneData(ctx)

	var r slog.Record
	r.Add(kvargs...)
	r.Attrs(func(a slog.Attr) bool {
		d[a.Key] = a
		return true
	})

	return context.WithValue(ctx, ctxDataKey{}, d)
}

// ctxHandler injects context-carried attributes into each record.
type ctxHandler struct {
	inner slog.Handler
}

func wrapHandler(h slog.Handler) slog.Handler {
	return ctxHandler{inner: h}
}

func (h ctxHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if d, ok := ctx.Value(ctxDataKey{}).(ctxData); ok && len(d) > 0 {
		r = r.Clone()
		for _, a := range d {
			r.AddAttrs(a)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ctxHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h ctxHandler) WithGroup(name string) slog.Handler {
	return ctxHandler{inner: h.inner.WithGroup(name)}
}
