// Package snapshot holds the per-topic item store: the last known-good set of
// records for a topic, keyed by identifier.
package snapshot

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/mohae/deepcopy"
)

// IDField is the item field that carries its identifier.
const IDField = "id"

// Item is an opaque record. Only its "id" field has meaning to this package.
type Item map[string]any

// ID returns the item's identifier. Items whose id is missing, empty or not a
// string are not addressable and are ignored by Build.
func (i Item) ID() (string, bool) {
	id, ok := i[IDField].(string)
	return id, ok && id != ""
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	if i == nil {
		return nil
	}
	return deepcopy.Copy(i).(Item)
}

type entry struct {
	item Item
	// canon is the canonical JSON encoding used for structural comparison.
	canon []byte
}

// Store maps identifiers to items. A Store is immutable once built; topics
// replace their store wholesale instead of mutating it.
type Store struct {
	entries map[string]entry
}

// Empty returns a store with no items.
func Empty() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Build creates a store from a full item list. Items without an id, or that
// cannot be JSON encoded, are skipped and counted in dropped. When an id
// appears more than once the last occurrence wins.
func Build(items []Item) (s *Store, dropped int) {
	s = &Store{entries: make(map[string]entry, len(items))}
	for _, item := range items {
		id, ok := item.ID()
		if !ok {
			dropped++
			continue
		}
		owned := item.Clone()
		canon, err := json.Marshal(owned)
		if err != nil {
			dropped++
			continue
		}
		s.entries[id] = entry{item: owned, canon: canon}
	}
	return s, dropped
}

// Len returns the number of items in the store.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Has reports whether id is present.
func (s *Store) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.entries[id]
	return ok
}

// Get returns a copy of the item stored under id.
func (s *Store) Get(id string) (Item, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.item.Clone(), true
}

// Matches reports whether id is present in both stores with structurally
// equal contents.
func (s *Store) Matches(other *Store, id string) bool {
	if s == nil || other == nil {
		return false
	}
	a, ok := s.entries[id]
	if !ok {
		return false
	}
	b, ok := other.entries[id]
	if !ok {
		return false
	}
	return bytes.Equal(a.canon, b.canon)
}

// Each calls fn for every item until fn returns false. Iteration order is
// unspecified. The item passed to fn is shared with the store and must not
// be modified.
func (s *Store) Each(fn func(id string, item Item) bool) {
	if s == nil {
		return
	}
	for id, e := range s.entries {
		if !fn(id, e.item) {
			return
		}
	}
}

// IDs returns the identifiers in ascending order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, s.Len())
	s.Each(func(id string, _ Item) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Items returns deep copies of all items ordered by id.
func (s *Store) Items() []Item {
	ids := s.IDs()
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, s.entries[id].item.Clone())
	}
	return items
}
