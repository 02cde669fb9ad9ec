package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const kernelTracerName = "hydrogen-kernel"

// Span attribute keys shared by the kernel and HTTP spans.
const (
	AttrLanguage = "kernel.language"
	AttrChannel  = "kernel.channel"
	AttrMsgType  = "kernel.msg_type"
)

func kernelTracer() trace.Tracer {
	return Tracer(kernelTracerName)
}

// TraceKernelRequest starts a span for a request sent on a kernel channel.
// Caller must call span.End() once the reply has been handled.
func TraceKernelRequest(ctx context.Context, language, channel, msgType, msgID string) (context.Context, trace.Span) {
	ctx, span := kernelTracer().Start(ctx, "kernel."+msgType,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String(AttrLanguage, language),
		attribute.String(AttrChannel, channel),
		attribute.String(AttrMsgType, msgType),
		attribute.String("kernel.msg_id", msgID),
	)
	return ctx, span
}

// TraceKernelLifecycle starts a span for start, restart, interrupt or destroy.
func TraceKernelLifecycle(ctx context.Context, language, action string) (context.Context, trace.Span) {
	ctx, span := kernelTracer().Start(ctx, "kernel.lifecycle."+action,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String(AttrLanguage, language),
		attribute.String("kernel.action", action),
	)
	return ctx, span
}

// TraceKernelInbound records a single span for a message received from a kernel.
func TraceKernelInbound(ctx context.Context, language, channel, msgType, parentID string) {
	_, span := kernelTracer().Start(ctx, "kernel.recv."+msgType,
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String(AttrLanguage, language),
		attribute.String(AttrChannel, channel),
		attribute.String(AttrMsgType, msgType),
		attribute.String("kernel.parent_msg_id", parentID),
	)
}

// TraceResult records the outcome of an operation on its span.
func TraceResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
