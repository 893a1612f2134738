package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// useGlobalTracer installs tp as the global provider for the test.
func useGlobalTracer(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ids := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "turn")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 {
			t.Fatalf("correlation ID %q, want 32 hex characters", cid)
		}
		if ids[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		ids[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	_, span := StartSpan(context.Background(), "backend.reply")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "backend.reply" {
		t.Fatalf("spans = %v, want one named backend.reply", spans)
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestEndSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"ok", nil, codes.Unset},
		{"failure", errors.New("synthesis failed"), codes.Error},
		{"barge-in", fmt.Errorf("speak: %w", context.Canceled), codes.Unset},
	}
	for _, tt := range tests {
		exp.Reset()
		_, span := StartSpan(context.Background(), tt.name)
		EndSpan(span, tt.err)

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s: %d spans recorded", tt.name, len(spans))
		}
		if got := spans[0].Status.Code; got != tt.want {
			t.Errorf("%s: status = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLogger(t *testing.T) {
	buf := captureLogs(t)
	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span carries a trace_id: %s", buf)
	}

	buf.Reset()
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "turn")
	defer span.End()
	Logger(ctx).Info("with span")
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output missing %q: %s", want, buf)
		}
	}
}
