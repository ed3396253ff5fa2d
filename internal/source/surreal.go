package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/nfrund/listsync/internal/database"
	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/snapshot"
)

// TableQuerier reads a whole table. *database.TableReader implements it.
type TableQuerier interface {
	QueryItems(ctx context.Context, table string) ([]map[string]any, error)
}

// ChangeWatcher reports table changes. *database.LiveQueryService implements
// it.
type ChangeWatcher interface {
	Subscribe(ctx context.Context, table string, handler database.LiveQueryHandler) (*database.Subscription, error)
	Unsubscribe(subID string)
}

// SurrealSource publishes each configured table as a list keyed by the table
// name. Tables are re-read on every poll tick and whenever a live query
// reports a change.
type SurrealSource struct {
	reader  TableQuerier
	watcher ChangeWatcher
	tables  []string
	poll    time.Duration
	sink    Sink
	log     *slog.Logger
}

// NewSurrealSource creates a poller over tables. watcher may be nil, in which
// case only polling applies.
func NewSurrealSource(reader TableQuerier, watcher ChangeWatcher, tables []string, poll time.Duration, sink Sink) *SurrealSource {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &SurrealSource{
		reader:  reader,
		watcher: watcher,
		tables:  tables,
		poll:    poll,
		sink:    sink,
		log:     slog.Default().With("component", "source", "source", "surreal"),
	}
}

func (s *SurrealSource) Name() string { return "surreal" }

// Run refreshes every table, then keeps them current until ctx is done.
func (s *SurrealSource) Run(ctx context.Context) error {
	// One pending trigger per table is enough: a refresh reads the whole
	// table, so coalesced notifications lose nothing.
	triggers := make(chan string, len(s.tables))
	pending := make(map[string]chan struct{}, len(s.tables))
	for _, table := range s.tables {
		pending[table] = make(chan struct{}, 1)
	}

	if s.watcher != nil {
		for _, table := range s.tables {
			slot := pending[table]
			sub, err := s.watcher.Subscribe(ctx, table, func(context.Context, string, database.LiveQueryAction) {
				select {
				case slot <- struct{}{}:
					triggers <- table
				default:
				}
			})
			if err != nil {
				s.log.WarnContext(ctx, "Live query unavailable, polling only", "table", table, "error", err)
				continue
			}
			defer s.watcher.Unsubscribe(sub.ID)
		}
	}

	s.refreshAll(ctx)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.refreshAll(ctx)
		case table := <-triggers:
			<-pending[table]
			s.refresh(ctx, table)
		}
	}
}

func (s *SurrealSource) refreshAll(ctx context.Context) {
	for _, table := range s.tables {
		if ctx.Err() != nil {
			return
		}
		s.refresh(ctx, table)
	}
}

func (s *SurrealSource) refresh(ctx context.Context, table string) {
	rows, err := s.reader.QueryItems(ctx, table)
	if err != nil {
		s.log.WarnContext(ctx, "Table refresh failed", "table", table, "error", err)
		return
	}
	items := make([]snapshot.Item, len(rows))
	for i, row := range rows {
		items[i] = snapshot.Item(row)
	}
	if err := apply(ctx, s.sink, s.log, protocol.SnapshotPush{Key: table, Items: items}); err != nil {
		s.log.WarnContext(ctx, "Failed to apply table snapshot", "table", table, "error", err)
	}
}
