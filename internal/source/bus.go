package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/pubsub"
)

// SnapshotPushed is the bus event carrying a full list snapshot.
var SnapshotPushed = pubsub.NewEvent[protocol.SnapshotPush]("lists.snapshot.push", "a producer pushed a full list snapshot")

// PushSnapshot validates push and publishes it on the bus. metadata travels
// with the message (request ids, trace context).
func PushSnapshot(ctx context.Context, p pubsub.Publisher, origin string, push protocol.SnapshotPush, metadata map[string]string) error {
	if err := Validate(push); err != nil {
		return err
	}
	payload, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("encode snapshot push: %w", err)
	}
	return p.Publish(ctx, pubsub.Message{
		Topic:    SnapshotPushed.Name(),
		Source:   origin,
		Payload:  payload,
		Metadata: metadata,
	})
}

// BusSource applies snapshot pushes received on the in-process bus.
type BusSource struct {
	sub  pubsub.Subscriber
	sink Sink
	log  *slog.Logger
}

// NewBusSource creates a bus source.
func NewBusSource(sub pubsub.Subscriber, sink Sink) *BusSource {
	return &BusSource{
		sub:  sub,
		sink: sink,
		log:  slog.Default().With("component", "source", "source", "bus"),
	}
}

func (s *BusSource) Name() string { return "bus" }

// Run subscribes to SnapshotPushed and blocks until ctx is done.
func (s *BusSource) Run(ctx context.Context) error {
	err := pubsub.Subscribe(ctx, s.sub, SnapshotPushed, func(ctx context.Context, push protocol.SnapshotPush, msg pubsub.Message) error {
		if err := apply(ctx, s.sink, s.log, push); err != nil {
			s.log.WarnContext(ctx, "Dropping snapshot push", "origin", msg.Source, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SnapshotPushed.Name(), err)
	}
	<-ctx.Done()
	return nil
}
