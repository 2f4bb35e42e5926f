package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

const defaultServiceName = "sockops-binder"

// Span names for the operations that change what the kernel hook does.
const (
	SpanAttach      = "sockops.attach"
	SpanApplyPolicy = "sockops.apply_policy"
	SpanAdmin       = "sockops.admin"
)

// TracingOptions selects the collector and the resource the spans carry.
type TracingOptions struct {
	ServiceName    string
	JaegerEndpoint string // empty disables tracing
	Version        string
	NodeName       string
}

var tracer trace.Tracer

// InitTracing installs a Jaeger-backed tracer provider. The returned
// function flushes pending spans; without an endpoint it does nothing.
func InitTracing(opts TracingOptions) (func(context.Context) error, error) {
	if opts.JaegerEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = defaultServiceName
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.JaegerEndpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), nodeResource(opts))
	if err != nil {
		return nil, err
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = otel.Tracer(opts.ServiceName)
	return tp.Shutdown, nil
}

func nodeResource(opts TracingOptions) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(opts.ServiceName),
		semconv.ServiceVersionKey.String(opts.Version),
	}
	if opts.NodeName != "" {
		attrs = append(attrs, semconv.K8SNodeNameKey.String(opts.NodeName))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func getTracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(defaultServiceName)
	}
	return tracer
}

// StartAttach traces attaching the program to a cgroup.
func StartAttach(ctx context.Context, cgroupPath string) (context.Context, trace.Span) {
	return getTracer().Start(ctx, SpanAttach,
		trace.WithAttributes(attribute.String("cgroup.path", cgroupPath)))
}

// StartApplyPolicy traces a program swap to p.
func StartApplyPolicy(ctx context.Context, p sockops.Policy) (context.Context, trace.Span) {
	return getTracer().Start(ctx, SpanApplyPolicy, trace.WithAttributes(policyAttributes(p)...))
}

func policyAttributes(p sockops.Policy) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool("policy.reconnect_guard", p.ReconnectGuard),
		attribute.Int("policy.redirect_port", int(p.RedirectPort)),
		attribute.String("policy.unresolved_addr", linux.Linux2IP(p.UnresolvedAddr)),
	}
}

// StartAdmin continues the caller's trace, if any, for an admin request.
func StartAdmin(r *http.Request) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return getTracer().Start(ctx, SpanAdmin,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		))
}

// Finish ends span, marking it failed when err is set.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
