package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/snapshot"
)

// ErrVersionGap is returned by Mirror.ApplyDelta when a delta skips one or
// more versions. The topic's local state is discarded until the next
// snapshot.
var ErrVersionGap = errors.New("delta version gap")

// Source is the part of Client a Mirror depends on.
type Source interface {
	On(eventType string, fn Listener) ListenerID
	Off(eventType string, id ListenerID) bool
	Resync(ctx context.Context, key string) error
}

type mirrorTopic struct {
	version int64
	items   map[string]snapshot.Item
}

// Mirror keeps a local copy of every topic the client receives by applying
// the initial snapshot and every later delta.
type Mirror struct {
	src      Source
	logger   *slog.Logger
	onChange func(key string, version int64)

	mu     sync.RWMutex
	topics map[string]*mirrorTopic

	snapshotID ListenerID
	deltaID    ListenerID
}

// NewMirror attaches a mirror to src. onChange, if not nil, is called after
// each applied snapshot or delta.
func NewMirror(src Source, onChange func(key string, version int64)) *Mirror {
	m := &Mirror{
		src:      src,
		logger:   slog.Default().With("component", "mirror"),
		onChange: onChange,
		topics:   make(map[string]*mirrorTopic),
	}
	m.snapshotID = src.On(protocol.TypeSnapshot, m.handleSnapshot)
	m.deltaID = src.On(protocol.TypeDelta, m.handleDelta)
	return m
}

// Close detaches the mirror from its source.
func (m *Mirror) Close() {
	m.src.Off(protocol.TypeSnapshot, m.snapshotID)
	m.src.Off(protocol.TypeDelta, m.deltaID)
}

func (m *Mirror) handleSnapshot(ev Event) {
	var msg protocol.SnapshotMessage
	if err := ev.Decode(&msg); err != nil {
		m.logger.Warn("Dropping undecodable snapshot", "error", err)
		return
	}
	m.ApplySnapshot(msg)
}

func (m *Mirror) handleDelta(ev Event) {
	var msg protocol.DeltaMessage
	if err := ev.Decode(&msg); err != nil {
		m.logger.Warn("Dropping undecodable delta", "error", err)
		return
	}
	err := m.ApplyDelta(msg)
	if errors.Is(err, ErrVersionGap) {
		m.logger.Warn("Resynchronising topic", "key", msg.Key, "error", err)
		if err := m.src.Resync(context.Background(), msg.Key); err != nil {
			m.logger.Warn("Resync request failed", "key", msg.Key, "error", err)
		}
	}
}

// ApplySnapshot replaces the local state of the message's topic.
func (m *Mirror) ApplySnapshot(msg protocol.SnapshotMessage) {
	t := &mirrorTopic{version: msg.Version, items: make(map[string]snapshot.Item, len(msg.Items))}
	for _, item := range msg.Items {
		if id, ok := item.ID(); ok {
			t.items[id] = item
		}
	}

	m.mu.Lock()
	m.topics[msg.Key] = t
	m.mu.Unlock()

	m.changed(msg.Key, msg.Version)
}

// ApplyDelta applies a delta on top of the local state. Deltas for unknown
// topics and deltas at or below the local version are ignored. A delta more
// than one version ahead returns ErrVersionGap.
func (m *Mirror) ApplyDelta(msg protocol.DeltaMessage) error {
	m.mu.Lock()
	t, ok := m.topics[msg.Key]
	if !ok || msg.Version <= t.version {
		m.mu.Unlock()
		return nil
	}
	if msg.Version != t.version+1 {
		local := t.version
		delete(m.topics, msg.Key)
		m.mu.Unlock()
		return fmt.Errorf("%w: topic %q at %d, got %d", ErrVersionGap, msg.Key, local, msg.Version)
	}

	for _, id := range msg.Removed {
		delete(t.items, id)
	}
	for _, group := range [][]snapshot.Item{msg.Added, msg.Updated} {
		for _, item := range group {
			if id, ok := item.ID(); ok {
				t.items[id] = item
			}
		}
	}
	t.version = msg.Version
	m.mu.Unlock()

	m.changed(msg.Key, msg.Version)
	return nil
}

// Items returns the local items of key ordered by id, and the version they
// correspond to.
func (m *Mirror) Items(key string) ([]snapshot.Item, int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[key]
	if !ok {
		return nil, 0, false
	}
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]snapshot.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, t.items[id].Clone())
	}
	return items, t.version, true
}

// Forget drops the local state of key.
func (m *Mirror) Forget(key string) {
	m.mu.Lock()
	delete(m.topics, key)
	m.mu.Unlock()
}

func (m *Mirror) changed(key string, version int64) {
	if m.onChange != nil {
		m.onChange(key, version)
	}
}
