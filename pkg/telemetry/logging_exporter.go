package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LoggingExporter writes finished spans as debug log lines.
type LoggingExporter struct {
	logger zerolog.Logger
}

func NewLoggingExporter(logger zerolog.Logger) *LoggingExporter {
	return &LoggingExporter{logger: logger}
}

func (l *LoggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		ev := l.logger.Debug().
			Str("span", span.Name()).
			Str("kind", span.SpanKind().String()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))
		if sc := span.SpanContext(); sc.IsValid() {
			ev = ev.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			ev = ev.Str("parent_span_id", parent.SpanID().String())
		}
		if st := span.Status(); st.Description != "" {
			ev = ev.Str("status", st.Description)
		}
		if attrs := span.Attributes(); len(attrs) > 0 {
			fields := make(map[string]any, len(attrs))
			for _, attr := range attrs {
				fields[string(attr.Key)] = attr.Value.Emit()
			}
			ev = ev.Fields(fields)
		}
		ev.Msg("span")
	}
	return nil
}

func (l *LoggingExporter) Shutdown(context.Context) error   { return nil }
func (l *LoggingExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*LoggingExporter)(nil)

