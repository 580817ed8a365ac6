package lopata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/lopata-dev/lopata/internal/store"
)

// Tracing owns the tracer provider whose spans are persisted to the
// shared database for inspection. The active span context rides on
// context.Context, so it survives suspension points without any
// thread-local state.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	st       *store.Store
}

// NewTracing builds a tracer provider that writes every ended span and
// its events as rows in the shared database.
func NewTracing(st *store.Store) *Tracing {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&spanWriter{st: st}),
	)
	return &Tracing{
		provider: provider,
		tracer:   provider.Tracer("lopata"),
		st:       st,
	}
}

// Shutdown flushes and stops the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan opens a span as a child of the span carried by ctx, or a
// root span when ctx carries none.
func (t *Tracing) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// op opens a child span around one binding operation. attrs are
// alternating key/value string pairs. The returned func ends the span,
// marking it errored when passed a non-nil error.
func (t *Tracing) op(ctx context.Context, name string, attrs ...string) (context.Context, func(error)) {
	if t == nil {
		return ctx, func(error) {}
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		kvs = append(kvs, attribute.String(attrs[i], attrs[i+1]))
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvs...))
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordError ends the active span as errored and appends a row to the
// error log with the active trace and span identifiers.
func (t *Tracing) RecordError(ctx context.Context, err error, stack string) {
	if t == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("exception", trace.WithAttributes(
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.stacktrace", stack),
	))

	var traceID, spanID sql.NullString
	if sc := span.SpanContext(); sc.IsValid() {
		traceID = sql.NullString{String: sc.TraceID().String(), Valid: true}
		spanID = sql.NullString{String: sc.SpanID().String(), Valid: true}
	}
	_, _ = t.st.DB.Exec(
		`INSERT INTO error_log (trace_id, span_id, message, stack, created_at) VALUES (?, ?, ?, ?, ?)`,
		traceID, spanID, err.Error(), stack, time.Now().UnixMilli())
}

// spanWriter persists ended spans. It implements sdktrace.SpanProcessor.
type spanWriter struct {
	st *store.Store
}

func (w *spanWriter) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (w *spanWriter) OnEnd(s sdktrace.ReadOnlySpan) {
	sc := s.SpanContext()
	var parent sql.NullString
	if p := s.Parent(); p.HasSpanID() {
		parent = sql.NullString{String: p.SpanID().String(), Valid: true}
	}
	attrs := attributesJSON(s.Attributes())
	_, err := w.st.DB.Exec(
		`INSERT OR REPLACE INTO spans
		 (span_id, trace_id, parent_span_id, name, kind, status, start_time, end_time, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.SpanID().String(), sc.TraceID().String(), parent,
		s.Name(), strings.ToLower(s.SpanKind().String()), statusString(s.Status().Code),
		s.StartTime().UnixMilli(), s.EndTime().UnixMilli(), attrs)
	if err != nil {
		return
	}
	for _, ev := range s.Events() {
		_, _ = w.st.DB.Exec(
			`INSERT INTO span_events (span_id, name, time, attributes) VALUES (?, ?, ?, ?)`,
			sc.SpanID().String(), ev.Name, ev.Time.UnixMilli(), attributesJSON(ev.Attributes))
	}
}

func (w *spanWriter) Shutdown(ctx context.Context) error   { return nil }
func (w *spanWriter) ForceFlush(ctx context.Context) error { return nil }

func statusString(code codes.Code) string {
	switch code {
	case codes.Error:
		return "error"
	default:
		return "ok"
	}
}

func attributesJSON(attrs []attribute.KeyValue) string {
	if len(attrs) == 0 {
		return "{}"
	}
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(data)
}
