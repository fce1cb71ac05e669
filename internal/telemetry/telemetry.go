// Package telemetry provides OpenTelemetry instrumentation for the detector.
// It implements server.DispatchHook so that each request becomes a span and
// is counted.
//
// Usage:
//
//	hook := telemetry.NewHook(telemetry.DefaultConfig())
//	srv := server.New(det, model, server.WithDispatchHook(hook))
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/andresmejia3/detector/internal/server"
)

const instrumentationName = "detector"

// Config configures the hook.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed requests.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute. Defaults to "detector".
	ServiceName string
	// SpanKind is server for the worker and client for the host side.
	SpanKind trace.SpanKind
}

// DefaultConfig resolves providers from the global OTel state at hook
// creation time. Without an installed SDK the globals are no-ops.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
		SpanKind:         trace.SpanKindServer,
	}
}

type hook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
	detectionCounter  metric.Int64Counter
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// NewHook builds a DispatchHook from cfg
func NewHook(cfg Config) server.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "detector"
	}
	if cfg.SpanKind == trace.SpanKindUnspecified {
		cfg.SpanKind = trace.SpanKindServer
	}

	h := &hook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requestCounter, _ = meter.Int64Counter("detector.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of detection requests"),
		)
		h.durationHistogram, _ = meter.Float64Histogram("detector.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Time from request read to response written"),
		)
		h.detectionCounter, _ = meter.Int64Counter("detector.detections",
			metric.WithUnit("{object}"),
			metric.WithDescription("Number of objects returned"),
		)
	}
	return h
}

func (h *hook) OnDispatchStart(ctx context.Context, info server.DispatchInfo) (context.Context, server.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("detector/%s", info.Method),
		trace.WithSpanKind(h.cfg.SpanKind),
		trace.WithAttributes(
			attribute.String("rpc.system", "detector"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("detector.model", info.Model),
			attribute.String("detector.correlation_id", info.RequestID),
		),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

func (h *hook) OnDispatchEnd(ctx context.Context, token server.HookToken, info server.DispatchInfo, stats *server.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("detector.model", info.Model),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, attrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), attrs)
		}
		if h.detectionCounter != nil && stats != nil {
			h.detectionCounter.Add(ctx, stats.Detections, attrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("detector.input_bytes", stats.InputBytes),
			attribute.Int64("detector.output_bytes", stats.OutputBytes),
			attribute.Int64("detector.detections", stats.Detections),
			attribute.Int("detector.image.width", stats.Width),
			attribute.Int("detector.image.height", stats.Height),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}

// Setup installs stdout trace and metric exporters writing to w as the global
// providers. The returned function flushes and shuts both down.
func Setup(w io.Writer) (func(context.Context) error, error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		terr := tp.Shutdown(ctx)
		merr := mp.Shutdown(ctx)
		if terr != nil {
			return terr
		}
		return merr
	}, nil
}
