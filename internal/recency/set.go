// Package recency implements the bounded, recency-ordered working set.
package recency

import (
	"sort"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

// DefaultCapacity is the size of the live view.
const DefaultCapacity = 15

// KeyFunc returns the identity key of a conversation.
type KeyFunc func(model.Conversation) string

// Outcome describes what an Upsert did.
type Outcome int

const (
	// Dropped means the record was older than everything in a full set.
	Dropped Outcome = iota
	// Inserted means the record was added without displacing another.
	Inserted
	// Updated means an entry with the same key was replaced in place.
	Updated
	// Displaced means the record was added and the oldest entry was evicted.
	Displaced
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Displaced:
		return "displaced"
	default:
		return "dropped"
	}
}

// Set is a size-capped set of conversations kept sorted by LastActivityAt
// descending, ties broken by ID ascending. It is not safe for concurrent use;
// the owning processor serializes access.
type Set struct {
	capacity int
	key      KeyFunc
	items    []model.Conversation
}

// New creates a set with the given capacity and identity key function.
func New(capacity int, key KeyFunc) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{
		capacity: capacity,
		key:      key,
		items:    make([]model.Conversation, 0, capacity),
	}
}

// Less reports whether a sorts before b.
func Less(a, b model.Conversation) bool {
	if !a.LastActivityAt.Equal(b.LastActivityAt) {
		return a.LastActivityAt.After(b.LastActivityAt)
	}
	return a.ID < b.ID
}

// Upsert inserts or replaces c. On replacement the evicted return is empty.
// When the set is full and c is new and sorts after the current minimum it
// is dropped.
func (s *Set) Upsert(c model.Conversation) (Outcome, model.Conversation) {
	k := s.key(c)
	if i := s.indexOf(k); i >= 0 {
		s.items[i] = c.Clone()
		s.sort()
		return Updated, model.Conversation{}
	}

	if len(s.items) < s.capacity {
		s.items = append(s.items, c.Clone())
		s.sort()
		return Inserted, model.Conversation{}
	}

	last := s.items[len(s.items)-1]
	if !Less(c, last) {
		return Dropped, model.Conversation{}
	}
	s.items[len(s.items)-1] = c.Clone()
	s.sort()
	return Displaced, last
}

// Remove deletes the entry with the given identity key.
func (s *Set) Remove(key string) (model.Conversation, bool) {
	i := s.indexOf(key)
	if i < 0 {
		return model.Conversation{}, false
	}
	removed := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	return removed, true
}

// EvictIfAbsentFrom removes every entry whose key is not in keys and returns them.
func (s *Set) EvictIfAbsentFrom(keys map[string]struct{}) []model.Conversation {
	var evicted []model.Conversation
	kept := s.items[:0]
	for _, c := range s.items {
		if _, ok := keys[s.key(c)]; ok {
			kept = append(kept, c)
			continue
		}
		evicted = append(evicted, c)
	}
	s.items = kept
	return evicted
}

// Get returns the entry with the given identity key.
func (s *Set) Get(key string) (model.Conversation, bool) {
	if i := s.indexOf(key); i >= 0 {
		return s.items[i].Clone(), true
	}
	return model.Conversation{}, false
}

// Find returns the first entry, in view order, matching pred.
func (s *Set) Find(pred func(model.Conversation) bool) (model.Conversation, bool) {
	for _, c := range s.items {
		if pred(c) {
			return c.Clone(), true
		}
	}
	return model.Conversation{}, false
}

// FindAll returns every entry, in view order, matching pred.
func (s *Set) FindAll(pred func(model.Conversation) bool) []model.Conversation {
	var out []model.Conversation
	for _, c := range s.items {
		if pred(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// TopN returns a copy of the set in view order.
func (s *Set) TopN() []model.Conversation {
	out := make([]model.Conversation, len(s.items))
	for i, c := range s.items {
		out[i] = c.Clone()
	}
	return out
}

// Keys returns the identity keys currently held.
func (s *Set) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(s.items))
	for _, c := range s.items {
		keys[s.key(c)] = struct{}{}
	}
	return keys
}

// Len returns the number of entries.
func (s *Set) Len() int { return len(s.items) }

// Capacity returns the configured bound.
func (s *Set) Capacity() int { return s.capacity }

// Reset clears the set.
func (s *Set) Reset() { s.items = s.items[:0] }

func (s *Set) indexOf(key string) int {
	for i, c := range s.items {
		if s.key(c) == key {
			return i
		}
	}
	return -1
}

func (s *Set) sort() {
	sort.SliceStable(s.items, func(i, j int) bool {
		return Less(s.items[i], s.items[j])
	})
}
