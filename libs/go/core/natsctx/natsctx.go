package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Publish injects traceparent plus any extra headers and publishes.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte, extra map[string]string) error {
	hdr := nats.Header{}
	for k, v := range extra {
		hdr.Set(k, v)
	}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe and extracts trace context for each message, starting a child span.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := Extract(m)
		ctx, span := otel.Tracer("pserver-nats").Start(ctx, "nats.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("messaging.destination", m.Subject)))
		defer span.End()
		handler(ctx, m)
	})
}

// Extract returns a context carrying the remote span context found in the message headers.
func Extract(m *nats.Msg) context.Context {
	if m.Header == nil {
		return context.Background()
	}
	return propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
}
