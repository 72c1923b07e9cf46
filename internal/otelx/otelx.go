// Package otelx installs the global OpenTelemetry tracer provider and the
// W3C trace context and baggage propagators. Spans go over OTLP/gRPC to a
// collector on the host.
package otelx

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// exporter construction blocks on the first dial, the collector is local
const dialTimeout = 3 * time.Second

type Options struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	// Sample is the ratio of new root traces kept, clamped to 0..1. Child
	// spans follow their parent's decision.
	Sample    float64
	Service   string
	Component string
	Version   string
	// Attributes are added to the resource, e.g. the active rate limit policy
	Attributes map[string]string

	// Exporter replaces the OTLP exporter when set
	Exporter sdktrace.SpanExporter
}

// Init installs the tracer provider and returns its shutdown. Disabled still
// installs an SDK provider so spans get valid ids for log correlation, they
// are just never exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporter(ctx, o)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampSample(o.Sample)))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func exporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	if o.Exporter != nil {
		return o.Exporter, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otlp endpoint is required when tracing is enabled")
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent(o))),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter endpoint=%s", o.Endpoint)
	}
	return exp, nil
}

// userAgent identifies this service to the collector, e.g. "windowgate/1.4.0".
func userAgent(o Options) string {
	if o.Version == "" {
		return serviceName(o)
	}
	return serviceName(o) + "/" + o.Version
}

// newResource describes this process. Detector errors are partial results,
// whatever was detected is still used.
func newResource(ctx context.Context, o Options) *resource.Resource {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName(o)),
		semconv.ServiceVersion(o.Version),
	}, extraAttributes(o.Attributes)...)

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	return res
}

func serviceName(o Options) string {
	if o.Component == "" {
		return o.Service
	}
	return o.Service + "." + o.Component
}

func clampSample(s float64) float64 {
	return min(max(s, 0), 1)
}

// extraAttributes is sorted by key so resource output is stable. Empty keys are dropped.
func extraAttributes(m map[string]string) []attribute.KeyValue {
	var out []attribute.KeyValue
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if k != "" {
			out = append(out, attribute.String(k, m[k]))
		}
	}
	return out
}
