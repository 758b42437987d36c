package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type fieldsKey struct{}

// WithFields returns ctx carrying key/value pairs that every *Context log
// call made with it will include. Fields accumulate; a repeated key
// replaces the earlier value. Arguments passed at the call site win over
// fields of the same key.
func WithFields(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	added := slog.Group("", args...).Value.Group()
	prev := fieldsFrom(ctx)
	merged := make([]slog.Attr, 0, len(prev)+len(added))
	for _, a := range prev {
		if !hasKey(added, a.Key) {
			merged = append(merged, a)
		}
	}
	merged = append(merged, added...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// Field returns the value of a field attached with WithFields.
func Field(ctx context.Context, key string) (any, bool) {
	for _, a := range fieldsFrom(ctx) {
		if a.Key == key {
			return a.Value.Any(), true
		}
	}
	return nil, false
}

func fieldsFrom(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(fieldsKey{}).([]slog.Attr)
	return attrs
}

func hasKey(attrs []slog.Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// recordHas reports whether the call site already logged key.
func recordHas(r slog.Record, key string) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}

// contextHandler adds context fields and the active span ids to records.
type contextHandler struct {
	next slog.Handler
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, f := range fieldsFrom(ctx) {
		if !recordHas(r, f.Key) {
			r.AddAttrs(f)
		}
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			r.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return h.next.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{next: h.next.WithGroup(name)}
}
