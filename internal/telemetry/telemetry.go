// Package telemetry wraps OpenTelemetry span creation in the shape the
// teacher's executor package uses (see its tracing.go: a GetTracer() +
// StartSpan/attribute helper pattern), but self-contained -- it builds its
// own TracerProvider rather than depending on a private telemetry package,
// since BrainSurgeon has no access to that dependency's source.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"brainsurgeon/internal/brerr"
)

// Config selects the exporter protocol and destination (§A.5).
type Config struct {
	Protocol string // "noop", "otlp-grpc", "otlp-http", "file"
	Endpoint string // used by otlp-grpc / otlp-http
	FilePath string // used by "file"
}

// Provider owns the process-wide TracerProvider and the single tracer
// BrainSurgeon's components share.
type Provider struct {
	tp     trace.TracerProvider
	tracer trace.Tracer
	closer func(context.Context) error
}

const serviceName = "brainsurgeon"

// New builds a Provider per cfg.Protocol and installs it as the global
// TracerProvider.
func New(cfg Config) (*Provider, error) {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	switch cfg.Protocol {
	case "", "noop":
		// Leave the global provider untouched: otel's own default is a
		// no-op tracer until something installs a real one.
		tp := otel.GetTracerProvider()
		return &Provider{tp: tp, tracer: tp.Tracer(serviceName), closer: func(context.Context) error { return nil }}, nil

	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, brerr.New(brerr.Internal, "telemetry.New", err)
		}
		exporter := &fileExporter{out: f}
		sdk := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(sdk)
		return &Provider{tp: sdk, tracer: sdk.Tracer(serviceName), closer: sdk.Shutdown}, nil

	case "otlp-grpc":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, brerr.New(brerr.Internal, "telemetry.New", err)
		}
		sdk := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
		otel.SetTracerProvider(sdk)
		return &Provider{tp: sdk, tracer: sdk.Tracer(serviceName), closer: sdk.Shutdown}, nil

	case "otlp-http":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint))
		if err != nil {
			return nil, brerr.New(brerr.Internal, "telemetry.New", err)
		}
		sdk := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
		otel.SetTracerProvider(sdk)
		return &Provider{tp: sdk, tracer: sdk.Tracer(serviceName), closer: sdk.Shutdown}, nil

	default:
		return nil, brerr.New(brerr.Validation, "telemetry.New", fmt.Errorf("unknown telemetry protocol %q", cfg.Protocol))
	}
}

// Shutdown flushes and closes the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.closer(ctx)
}

// StartExtractSpan starts a span for one session's extract pass.
func (p *Provider) StartExtractSpan(ctx context.Context, agent, session string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "extract.session")
	span.SetAttributes(
		attribute.String("brainsurgeon.agent", agent),
		attribute.String("brainsurgeon.session", session),
	)
	return ctx, span
}

// EndExtractSpan ends an extract span with the count of entries changed.
func (p *Provider) EndExtractSpan(span trace.Span, extractedCount int, err error) {
	span.SetAttributes(attribute.Int("brainsurgeon.extracted_count", extractedCount))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartRestoreSpan starts a span for one restore call.
func (p *Provider) StartRestoreSpan(ctx context.Context, agent, session, entryID string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "restore.entry")
	span.SetAttributes(
		attribute.String("brainsurgeon.agent", agent),
		attribute.String("brainsurgeon.session", session),
		attribute.String("brainsurgeon.entry_id", entryID),
	)
	return ctx, span
}

// EndRestoreSpan ends a restore span.
func (p *Provider) EndRestoreSpan(span trace.Span, keysRestored int, err error) {
	span.SetAttributes(attribute.Int("brainsurgeon.keys_restored", keysRestored))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartLockSpan starts a span covering acquisition and hold of the
// per-session file lock.
func (p *Provider) StartLockSpan(ctx context.Context, agent, session string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "store.lock")
	span.SetAttributes(
		attribute.String("brainsurgeon.agent", agent),
		attribute.String("brainsurgeon.session", session),
	)
	return ctx, span
}

// EndLockSpan ends a lock span.
func (p *Provider) EndLockSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartEntrySpan starts a span for one entry's trigger evaluation and
// transform.
func (p *Provider) StartEntrySpan(ctx context.Context, agent, session, entryID, triggerType string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "trigger.entry")
	span.SetAttributes(
		attribute.String("brainsurgeon.agent", agent),
		attribute.String("brainsurgeon.session", session),
		attribute.String("brainsurgeon.entry_id", entryID),
		attribute.String("brainsurgeon.trigger_type", triggerType),
	)
	return ctx, span
}

// EndEntrySpan ends an entry span.
func (p *Provider) EndEntrySpan(span trace.Span, extracted bool, err error) {
	span.SetAttributes(attribute.Bool("brainsurgeon.extracted", extracted))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartBusHandlerSpan starts a span for one durable bus handler invocation.
func (p *Provider) StartBusHandlerSpan(ctx context.Context, msgType, msgID string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "bus.handler")
	span.SetAttributes(
		attribute.String("brainsurgeon.message_type", msgType),
		attribute.String("brainsurgeon.message_id", msgID),
	)
	return ctx, span
}

// EndBusHandlerSpan ends a bus handler span.
func (p *Provider) EndBusHandlerSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// fileExporter writes finished spans as JSON lines to a file, the "local
// debugging" protocol analogous to the engine's own JSON-lines logger
// (internal/brlog) rather than requiring a collector endpoint.
type fileExporter struct {
	mu  sync.Mutex
	out io.WriteCloser
}

type fileSpanRecord struct {
	Name       string            `json:"name"`
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Attributes map[string]string `json:"attributes"`
}

func (e *fileExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		attrs := make(map[string]string, len(s.Attributes()))
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		rec := fileSpanRecord{
			Name:       s.Name(),
			TraceID:    s.SpanContext().TraceID().String(),
			SpanID:     s.SpanContext().SpanID().String(),
			StartTime:  s.StartTime(),
			EndTime:    s.EndTime(),
			Attributes: attrs,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := e.out.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (e *fileExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out.Close()
}
