// Package subscription implements the server-side registry that owns one item
// snapshot and one subscriber set per topic, computes deltas when a producer
// replaces a snapshot, and fans the change out to subscribers.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/listsync/internal/delta"
	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/snapshot"
)

// Subscriber is a handle supplied by the transport layer for one attached
// client. Implementations must be comparable (usually a pointer).
type Subscriber interface {
	// Send queues payload for delivery. It must not block; an error means the
	// subscriber can no longer receive messages.
	Send(payload []byte) error
	// Ready reports whether the subscriber may currently receive messages.
	Ready() bool
	// Close is called when the subscriber is pruned, so the client notices
	// and resubscribes. It must be safe to call more than once and must not
	// block for long.
	Close() error
}

// Snapshot is the full state of a topic at one version.
type Snapshot struct {
	Items   []snapshot.Item `json:"items"`
	Version int64           `json:"version"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	TopicCount      int `json:"topicCount"`
	SubscriberCount int `json:"subscriberCount"`
}

// TopicInfo summarizes one topic for introspection.
type TopicInfo struct {
	Key         string `json:"key"`
	Version     int64  `json:"version"`
	Items       int    `json:"items"`
	Subscribers int    `json:"subscribers"`
}

// Topic is one independently versioned collection of items.
type Topic struct {
	key string

	mu          sync.Mutex
	store       *snapshot.Store
	version     int64
	subscribers map[Subscriber]struct{}
	lastActive  time.Time

	// tail is closed when the most recently queued update has finished and
	// pending counts queued updates. Both are guarded by Registry.mu.
	tail    chan struct{}
	pending int
}

// Key returns the topic key.
func (t *Topic) Key() string {
	return t.key
}

// Version returns the current version.
func (t *Topic) Version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Snapshot returns a copy of the current items and version.
func (t *Topic) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// SubscriberCount returns the number of attached subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

func (t *Topic) snapshotLocked() Snapshot {
	return Snapshot{Items: t.store.Items(), Version: t.version}
}

// Registry maps topic keys to topics. The zero value is not usable; create
// one with NewRegistry.
type Registry struct {
	mu     sync.Mutex
	topics map[string]*Topic

	idleTTL time.Duration
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTTL enables idle topic expiry: topics without subscribers or queued
// updates that saw no activity for d are removed by Sweep. Zero disables it.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

// WithMetrics records registry activity on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger sets the logger used for broadcast and pruning events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry. It panics on an invalid option,
// which is a programming error rather than a runtime condition.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		topics: make(map[string]*Topic),
		now:    time.Now,
		logger: slog.Default().With("component", "subscription"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.idleTTL < 0 {
		panic(fmt.Sprintf("subscription: negative idle TTL %s", r.idleTTL))
	}
	return r
}

// topicLocked returns the topic for key, creating it if needed. r.mu must be held.
func (r *Registry) topicLocked(key string) *Topic {
	if t, ok := r.topics[key]; ok {
		return t
	}
	t := &Topic{
		key:         key,
		store:       snapshot.Empty(),
		subscribers: make(map[Subscriber]struct{}),
		lastActive:  r.now(),
	}
	r.topics[key] = t
	r.metrics.setTopics(len(r.topics))
	r.logger.Debug("Topic created", "key", key)
	return t
}

// deleteLocked removes a topic. r.mu must be held.
func (r *Registry) deleteLocked(key, reason string) {
	delete(r.topics, key)
	r.metrics.setTopics(len(r.topics))
	r.logger.Debug("Topic deleted", "key", key, "reason", reason)
}

// GetOrCreateTopic returns the topic for key, creating an empty one if absent.
func (r *Registry) GetOrCreateTopic(key string) *Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topicLocked(key)
}

// Peek returns the current snapshot of key without creating the topic.
func (r *Registry) Peek(key string) (Snapshot, bool) {
	r.mu.Lock()
	t, ok := r.topics[key]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Keys returns the keys of all live topics in ascending order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.topics))
	for k := range r.topics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe attaches sub to the topic for key, creating the topic if needed,
// and returns the current snapshot so the subscriber can initialise its state
// without waiting for the next delta.
func (r *Registry) Subscribe(key string, sub Subscriber) Snapshot {
	return r.SubscribeWith(key, sub, nil)
}

// SubscribeWith is Subscribe with an init hook. init receives the snapshot
// before any later delta can be sent to sub, which lets a transport queue the
// snapshot ahead of deltas. init must not block or call back into the registry.
func (r *Registry) SubscribeWith(key string, sub Subscriber, init func(Snapshot)) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.topicLocked(key)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subscribers[sub]; !exists {
		t.subscribers[sub] = struct{}{}
		r.metrics.subscriberAdded()
	}
	t.lastActive = r.now()
	snap := t.snapshotLocked()
	if init != nil {
		init(snap)
	}
	return snap
}

// Unsubscribe detaches sub from key. When that leaves the topic without
// subscribers the topic, including its snapshot and version, is deleted.
// This happens even while updates for key are queued: they finish against
// the deleted topic and are never visible, and a later update or subscribe
// creates a fresh topic at version 0 without waiting for them. Unsubscribing
// a subscriber that is not attached is a no-op.
func (r *Registry) Unsubscribe(key string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[key]
	if !ok {
		return
	}
	if r.detachLocked(t, sub) {
		r.deleteLocked(key, "unsubscribe")
	}
}

// UnsubscribeAll detaches sub from every topic it joined, with the same
// empty-topic cleanup as Unsubscribe.
func (r *Registry) UnsubscribeAll(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.topics {
		if r.detachLocked(t, sub) {
			r.deleteLocked(key, "unsubscribe")
		}
	}
}

// detachLocked removes sub from t and reports whether that emptied the
// subscriber set. r.mu must be held.
func (r *Registry) detachLocked(t *Topic, sub Subscriber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subscribers[sub]; !ok {
		return false
	}
	delete(t.subscribers, sub)
	r.metrics.subscribersRemoved(1)
	t.lastActive = r.now()
	return len(t.subscribers) == 0
}

// GetStats returns the number of topics and the total number of topic
// subscriptions.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{TopicCount: len(r.topics)}
	for _, t := range r.topics {
		t.mu.Lock()
		stats.SubscriberCount += len(t.subscribers)
		t.mu.Unlock()
	}
	return stats
}

// Describe returns a summary of every live topic, ordered by key.
func (r *Registry) Describe() []TopicInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]TopicInfo, 0, len(r.topics))
	for key, t := range r.topics {
		t.mu.Lock()
		infos = append(infos, TopicInfo{
			Key:         key,
			Version:     t.version,
			Items:       t.store.Len(),
			Subscribers: len(t.subscribers),
		})
		t.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// enqueue reserves the next slot in the topic's update chain. prev is closed
// when every earlier update of the topic has finished.
func (r *Registry) enqueue(key string) (t *Topic, prev <-chan struct{}, done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t = r.topicLocked(key)
	prev = t.tail
	if prev == nil {
		prev = closedChan
	}
	done = make(chan struct{})
	t.tail = done
	t.pending++
	return t, prev, done
}

func (r *Registry) release(t *Topic, done chan struct{}) {
	r.mu.Lock()
	t.pending--
	if t.tail == done {
		t.tail = nil
	}
	r.mu.Unlock()
	close(done)
}

// UpdateSnapshot replaces the snapshot of key with one built from items and
// returns the delta against the previous snapshot. Items without an id are
// ignored. Only a non-empty delta bumps the version and is broadcast.
//
// Updates of the same key are applied strictly in call order: a call waits
// until every earlier update of that key has been installed and broadcast.
// Updates of different keys do not wait on each other. The only error is ctx
// ending while waiting; the update is then abandoned without effect.
func (r *Registry) UpdateSnapshot(ctx context.Context, key string, items []snapshot.Item) (delta.Delta, error) {
	t, prev, done := r.enqueue(key)

	select {
	case <-prev:
	case <-ctx.Done():
		// Keep the chain intact for later callers.
		go func() {
			<-prev
			r.release(t, done)
		}()
		return delta.Delta{}, fmt.Errorf("update %q abandoned: %w", key, ctx.Err())
	}

	defer r.release(t, done)
	return r.apply(t, items), nil
}

// UpdateSnapshotAsync queues an update and returns immediately. The position
// in the key's update order is fixed before it returns, so two calls made one
// after the other are applied in that order. The channel receives the delta
// once the update has been applied.
func (r *Registry) UpdateSnapshotAsync(key string, items []snapshot.Item) <-chan delta.Delta {
	t, prev, done := r.enqueue(key)
	out := make(chan delta.Delta, 1)
	go func() {
		<-prev
		d := r.apply(t, items)
		r.release(t, done)
		out <- d
	}()
	return out
}

func (r *Registry) apply(t *Topic, items []snapshot.Item) delta.Delta {
	next, dropped := snapshot.Build(items)
	if dropped > 0 {
		r.logger.Debug("Ignored items without a usable id", "key", t.key, "dropped", dropped)
	}

	t.mu.Lock()
	d := delta.Diff(t.store, next)
	t.store = next
	t.lastActive = r.now()
	if d.Empty() {
		t.mu.Unlock()
		r.metrics.updateApplied(false)
		return d
	}
	t.version++
	version := t.version
	subs := make([]Subscriber, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	r.metrics.updateApplied(true)
	r.broadcast(t, version, d, subs)
	return d
}

// broadcast sends one delta message to subs and prunes every subscriber that
// was not ready or whose send failed. Pruned subscribers are closed: a
// subscriber that silently missed a delta could never converge.
func (r *Registry) broadcast(t *Topic, version int64, d delta.Delta, subs []Subscriber) {
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(protocol.NewDeltaMessage(t.key, version, d))
	if err != nil {
		r.logger.Error("Failed to encode delta", "key", t.key, "version", version, "error", err)
		return
	}

	var dead []Subscriber
	for _, s := range subs {
		if !s.Ready() {
			dead = append(dead, s)
			continue
		}
		if err := safeSend(s, payload); err != nil {
			r.logger.Warn("Send failed, pruning subscriber", "key", t.key, "version", version, "error", err)
			dead = append(dead, s)
		}
	}

	r.logger.Debug("Delta broadcast", "key", t.key, "version", version,
		"changes", d.Size(), "recipients", len(subs)-len(dead))

	if len(dead) == 0 {
		return
	}
	t.mu.Lock()
	removed := 0
	for _, s := range dead {
		if _, ok := t.subscribers[s]; ok {
			delete(t.subscribers, s)
			removed++
		}
	}
	t.mu.Unlock()
	r.metrics.subscribersRemoved(removed)
	r.metrics.subscribersPruned(removed)

	for _, s := range dead {
		if err := safeClose(s); err != nil {
			r.logger.Debug("Closing pruned subscriber failed", "key", t.key, "error", err)
		}
	}
}

func safeClose(s Subscriber) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("close panicked: %v", rec)
		}
	}()
	return s.Close()
}

func safeSend(s Subscriber, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return s.Send(payload)
}
