// Package delta computes the change between two snapshots of a topic.
package delta

import "github.com/nfrund/listsync/internal/snapshot"

// Delta is the difference between an old and a new snapshot.
type Delta struct {
	Added   []snapshot.Item `json:"added"`
	Updated []snapshot.Item `json:"updated"`
	Removed []string        `json:"removed"`
}

// Empty reports whether the delta carries no change.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Size returns the total number of changed ids.
func (d Delta) Size() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Diff classifies every id of old and next. An id absent from old is added,
// one present in both with different contents is updated, and one missing
// from next is removed. Items in the result are shared with next and must be
// treated as read-only.
func Diff(old, next *snapshot.Store) Delta {
	d := Delta{
		Added:   []snapshot.Item{},
		Updated: []snapshot.Item{},
		Removed: []string{},
	}

	next.Each(func(id string, item snapshot.Item) bool {
		switch {
		case !old.Has(id):
			d.Added = append(d.Added, item)
		case !old.Matches(next, id):
			d.Updated = append(d.Updated, item)
		}
		return true
	})

	old.Each(func(id string, _ snapshot.Item) bool {
		if !next.Has(id) {
			d.Removed = append(d.Removed, id)
		}
		return true
	})

	return d
}
