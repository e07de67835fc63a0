package brpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// One client span per call, a capability the Controller may or may not
// hold. A span is created when the caller's context already carries a span,
// or unconditionally when rpcz-style collection is switched on.

const tracerName = "github.com/FK2469/brpc"

type clientSpan struct {
	span        trace.Span
	startSendUs int64
}

func isTraceable(ctx context.Context) bool {
	if globalConfig.EnableRPCZ {
		return true
	}
	if ctx == nil {
		return false
	}
	return trace.SpanFromContext(ctx).SpanContext().IsValid()
}

func createClientSpan(ctx context.Context, methodName string, logID uint64,
	cid CallId, protocol string, startSendUs int64) *clientSpan {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := otel.Tracer(tracerName).Start(ctx, methodName,
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.Int64("rpc.log_id", int64(logID)),
		attribute.Int64("rpc.correlation_id", int64(cid)),
		attribute.String("rpc.protocol", protocol),
	)
	return &clientSpan{span: span, startSendUs: startSendUs}
}

func (s *clientSpan) setRemote(ep Endpoint) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String("rpc.remote_side", ep.String()))
}

func (s *clientSpan) addRetry(nretry int) {
	if s == nil {
		return
	}
	s.span.AddEvent("retry", trace.WithAttributes(attribute.Int("nretry", nretry)))
}

func (s *clientSpan) submit(errno Errno, errText string) {
	if s == nil {
		return
	}
	if errno != OK {
		s.span.SetStatus(codes.Error, errText)
		s.span.SetAttributes(attribute.Int("rpc.errno", int(errno)))
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
