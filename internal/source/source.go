// Package source feeds full list snapshots from external producers into the
// subscription registry. Every source converges on the same Sink call, so
// the registry's per-topic ordering applies no matter where a snapshot came
// from.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/nfrund/listsync/internal/delta"
	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/snapshot"
)

// Sink receives full snapshots. *subscription.Registry implements it.
type Sink interface {
	UpdateSnapshot(ctx context.Context, key string, items []snapshot.Item) (delta.Delta, error)
}

// Source produces snapshots until its context is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

var validate = validator.New()

// Validate checks a push before it reaches the registry.
func Validate(push protocol.SnapshotPush) error {
	if err := validate.Struct(push); err != nil {
		return fmt.Errorf("invalid snapshot push: %w", err)
	}
	return nil
}

// apply validates push and hands it to sink, logging the resulting delta.
func apply(ctx context.Context, sink Sink, log *slog.Logger, push protocol.SnapshotPush) error {
	if err := Validate(push); err != nil {
		return err
	}
	d, err := sink.UpdateSnapshot(ctx, push.Key, push.Items)
	if err != nil {
		return fmt.Errorf("apply snapshot for %q: %w", push.Key, err)
	}
	log.DebugContext(ctx, "Snapshot applied",
		"key", push.Key,
		"items", len(push.Items),
		"added", len(d.Added),
		"updated", len(d.Updated),
		"removed", len(d.Removed))
	return nil
}

// RunAll runs sources concurrently and returns when all of them have
// stopped. A source that fails is logged and does not stop the others.
func RunAll(ctx context.Context, log *slog.Logger, sources ...Source) {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			log.InfoContext(ctx, "Snapshot source started", "source", src.Name())
			if err := src.Run(ctx); err != nil {
				log.ErrorContext(ctx, "Snapshot source stopped", "source", src.Name(), "error", err)
				return
			}
			log.InfoContext(ctx, "Snapshot source stopped", "source", src.Name())
		}(src)
	}
	wg.Wait()
}
