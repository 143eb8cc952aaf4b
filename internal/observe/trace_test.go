package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// traceSetup installs an in-memory tracer provider globally and returns its
// exporter for span inspection.
func traceSetup(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestStartSpanRecordsUnderGivenName(t *testing.T) {
	exp := traceSetup(t)

	ctx, span := StartSpan(context.Background(), "session.turn")
	if CorrelationID(ctx) == "" {
		t.Error("span context carries no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.turn" {
		t.Fatalf("spans = %+v, want one span named session.turn", spans)
	}
}

func TestCorrelationID(t *testing.T) {
	traceSetup(t)

	t.Run("empty without a span", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("CorrelationID(background) = %q, want empty", got)
		}
	})

	t.Run("is the hex trace id", func(t *testing.T) {
		ctx, span := StartSpan(context.Background(), "store.compact")
		defer span.End()

		cid := CorrelationID(ctx)
		if len(cid) != 32 {
			t.Fatalf("correlation ID %q has length %d, want 32", cid, len(cid))
		}
		if strings.Trim(cid, "0123456789abcdef") != "" {
			t.Errorf("correlation ID %q is not lowercase hex", cid)
		}
	})

	t.Run("distinct per trace", func(t *testing.T) {
		seen := make(map[string]struct{}, 100)
		for range 100 {
			ctx, span := StartSpan(context.Background(), "summary.daily")
			cid := CorrelationID(ctx)
			span.End()
			if _, dup := seen[cid]; dup {
				t.Fatalf("duplicate correlation ID %s", cid)
			}
			seen[cid] = struct{}{}
		}
	})
}

func TestLoggerCarriesTraceFields(t *testing.T) {
	traceSetup(t)

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	ctx, span := StartSpan(context.Background(), "gateway.handshake")
	defer span.End()

	Logger(ctx).Info("session attached")
	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace fields: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no active span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line without a span should carry no trace_id: %s", buf.String())
	}
}

func TestTracerUsesGlobalProvider(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
