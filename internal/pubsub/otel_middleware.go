package pubsub

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const payloadPreviewLen = 100

// propagator carries span context across the bus in message metadata.
var propagator = propagation.TraceContext{}

func payloadPreview(p []byte) string {
	if len(p) > payloadPreviewLen {
		return string(p[:payloadPreviewLen]) + "..."
	}
	return string(p)
}

func messageAttributes(operation, topic string, msg *message.Message) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "watermill"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.message_id", msg.UUID),
		attribute.String("messaging.source", msg.Metadata.Get(metaKeySource)),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
		attribute.String("messaging.message_payload_preview", payloadPreview(msg.Payload)),
	}
}

// TracingMiddleware wraps a watermill handler in a processing span. The span
// context is stored on the message so handlers can continue the trace.
func TracingMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			topic := msg.Metadata.Get(metaKeyTopic)
			parent := propagator.Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
			ctx, span := tracer.Start(parent, fmt.Sprintf("pubsub.process.%s", topic),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(messageAttributes("process", topic, msg)...),
			)
			defer span.End()
			msg.SetContext(ctx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(attribute.Int("messaging.messages_produced", len(produced)))
			return produced, nil
		}
	}
}

// tracingPublisher wraps a watermill publisher with publish spans.
type tracingPublisher struct {
	publisher message.Publisher
	tracer    trace.Tracer
}

// NewTracingPublisher wraps publisher so every published message gets a span.
func NewTracingPublisher(publisher message.Publisher, tracer trace.Tracer) message.Publisher {
	return &tracingPublisher{publisher: publisher, tracer: tracer}
}

func (p *tracingPublisher) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, msg := range messages {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		spanCtx, span := p.tracer.Start(ctx, fmt.Sprintf("pubsub.publish.%s", topic),
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(messageAttributes("publish", topic, msg)...),
		)
		propagator.Inject(spanCtx, propagation.MapCarrier(msg.Metadata))
		msg.SetContext(spanCtx)
		spans = append(spans, span)
	}

	err := p.publisher.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

func (p *tracingPublisher) Close() error {
	return p.publisher.Close()
}
