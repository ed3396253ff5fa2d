package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// WatermillBridge implements the Publisher and Subscriber interfaces using
// watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	tracer trace.Tracer
	logger *slog.Logger
}

const (
	// Metadata keys used to transfer our Message fields through watermill.
	metaKeySource = "source"
	metaKeyTopic  = "topic"
)

// Option configures a WatermillBridge.
type Option func(*bridgeOptions)

type bridgeOptions struct {
	tracer       trace.Tracer
	logger       *slog.Logger
	outputBuffer int64
	debug        bool
}

// WithTracer records publish and process spans with tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *bridgeOptions) { o.tracer = t }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *bridgeOptions) { o.logger = l }
}

// WithOutputBuffer sets the per-subscriber channel buffer.
func WithOutputBuffer(n int64) Option {
	return func(o *bridgeOptions) { o.outputBuffer = n }
}

// WithDebug enables watermill's own debug logging.
func WithDebug(debug bool) Option {
	return func(o *bridgeOptions) { o.debug = debug }
}

// NewWatermillBridge initializes an in-memory bus. Publish blocks until every
// subscriber has handled the message, so messages of one topic are handled
// in publish order.
func NewWatermillBridge(opts ...Option) *WatermillBridge {
	o := bridgeOptions{logger: slog.Default().With("component", "pubsub")}
	for _, opt := range opts {
		opt(&o)
	}

	wmLogger := watermill.NewStdLogger(o.debug, false)
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            o.outputBuffer,
			BlockPublishUntilSubscriberAck: true,
		},
		wmLogger,
	)

	var pub message.Publisher = goChannel
	if o.tracer != nil {
		pub = NewTracingPublisher(goChannel, o.tracer)
	}

	return &WatermillBridge{
		pub:    pub,
		sub:    goChannel,
		tracer: o.tracer,
		logger: o.logger,
	}
}

// mapToWatermillMessage converts a Message to a watermill message.
func mapToWatermillMessage(ctx context.Context, msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(metaKeySource, msg.Source)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	wmMsg.SetContext(ctx)
	return wmMsg
}

// mapToPubSubMessage converts a watermill message back to a Message.
func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string, len(wmMsg.Metadata))
	for k, v := range wmMsg.Metadata {
		if k != metaKeySource && k != metaKeyTopic {
			metadata[k] = v
		}
	}
	return Message{
		Topic:    wmMsg.Metadata.Get(metaKeyTopic),
		Source:   wmMsg.Metadata.Get(metaKeySource),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements the Publisher interface.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	return wb.pub.Publish(msg.Topic, mapToWatermillMessage(ctx, msg))
}

// Subscribe implements the Subscriber interface. Handler errors are logged
// and the message is acked anyway: GoChannel would otherwise redeliver it
// forever.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	process := message.HandlerFunc(func(wmMsg *message.Message) ([]*message.Message, error) {
		return nil, handler(wmMsg.Context(), mapToPubSubMessage(wmMsg))
	})
	if wb.tracer != nil {
		process = TracingMiddleware(wb.tracer)(process)
	}

	go func() {
		for wmMsg := range messages {
			if _, err := process(wmMsg); err != nil {
				wb.logger.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			wmMsg.Ack()
		}
		wb.logger.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close shuts down the bus and ends every subscription loop.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
