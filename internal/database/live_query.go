package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// LiveQueryAction is the kind of change a live query reported.
type LiveQueryAction string

const (
	ActionCreate LiveQueryAction = "CREATE"
	ActionUpdate LiveQueryAction = "UPDATE"
	ActionDelete LiveQueryAction = "DELETE"
)

// LiveQueryHandler is called for every change notification.
type LiveQueryHandler func(ctx context.Context, table string, action LiveQueryAction)

// Subscription is an active live query.
type Subscription struct {
	ID    string
	Table string
}

// LiveQueryService watches tables for changes via SurrealDB live queries.
type LiveQueryService struct {
	db  DBConnection
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewLiveQueryService creates a live query service on db.
func NewLiveQueryService(db DBConnection) *LiveQueryService {
	return &LiveQueryService{
		db:   db,
		log:  slog.Default().With("component", "live_query"),
		subs: make(map[string]context.CancelFunc),
	}
}

// Subscribe starts a LIVE SELECT on table and calls handler for each change
// until Unsubscribe or Close.
func (s *LiveQueryService) Subscribe(ctx context.Context, table string, handler LiveQueryHandler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	subID := uuid.NewString()
	subCtx, cancel := context.WithCancel(context.Background())

	err := s.db.WithConnection(ctx, func(db *surrealdb.DB) error {
		results, err := surrealdb.Query[any](ctx, db, "LIVE SELECT * FROM "+table, nil)
		if err != nil {
			return fmt.Errorf("execute live query: %w", err)
		}
		if results == nil || len(*results) == 0 {
			return errors.New("live query returned no results")
		}
		first := (*results)[0]
		if first.Status != "OK" {
			return fmt.Errorf("live query failed with status: %s", first.Status)
		}
		liveID, err := liveQueryID(first.Result)
		if err != nil {
			return err
		}

		notifications, err := db.LiveNotifications(liveID)
		if err != nil {
			return fmt.Errorf("get notification channel: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.listen(subCtx, table, handler, notifications)
			s.kill(db, liveID)
		}()
		return nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start live query on %s: %w", table, err)
	}

	s.mu.Lock()
	s.subs[subID] = cancel
	s.mu.Unlock()

	s.log.Info("Live query established", "subID", subID, "table", table)
	return &Subscription{ID: subID, Table: table}, nil
}

// Unsubscribe stops a subscription. Unknown ids are ignored.
func (s *LiveQueryService) Unsubscribe(subID string) {
	s.mu.Lock()
	cancel, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every subscription and waits for their listeners to exit.
func (s *LiveQueryService) Close() {
	s.mu.Lock()
	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *LiveQueryService) listen(ctx context.Context, table string, handler LiveQueryHandler, ch <-chan connection.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				s.log.Debug("Live query notification channel closed", "table", table)
				return
			}
			action, known := mapAction(n)
			if !known {
				s.log.Warn("Unknown notification action", "table", table, "action", n.Action)
				continue
			}
			s.dispatch(ctx, table, action, handler)
		}
	}
}

func (s *LiveQueryService) dispatch(ctx context.Context, table string, action LiveQueryAction, handler LiveQueryHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic in live query handler", "table", table, "panic", r)
		}
	}()
	handler(ctx, table, action)
}

func (s *LiveQueryService) kill(db *surrealdb.DB, liveID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.CloseLiveNotifications(liveID); err != nil {
		s.log.Warn("Failed to close live notifications", "error", err, "liveQueryID", liveID)
	}
	if _, err := surrealdb.Query[any](ctx, db, "KILL $id", map[string]any{"id": liveID}); err != nil {
		s.log.Warn("Failed to kill live query", "error", err, "liveQueryID", liveID)
	}
}

func mapAction(n connection.Notification) (LiveQueryAction, bool) {
	switch n.Action {
	case connection.CreateAction:
		return ActionCreate, true
	case connection.UpdateAction:
		return ActionUpdate, true
	case connection.DeleteAction:
		return ActionDelete, true
	default:
		return "", false
	}
}

// liveQueryID extracts the live query UUID, which the driver may return as a
// string, a models.UUID or a map holding either under "id".
func liveQueryID(result any) (string, error) {
	var id string
	switch v := result.(type) {
	case string:
		id = v
	case models.UUID:
		id = v.String()
	case map[string]any:
		switch inner := v["id"].(type) {
		case string:
			id = inner
		case models.UUID:
			id = inner.String()
		default:
			return "", fmt.Errorf("live query result has no id: %+v", v)
		}
	default:
		return "", fmt.Errorf("unexpected live query result type %T", result)
	}
	if id == "" {
		return "", errors.New("live query returned empty id")
	}
	return id, nil
}
