// Package dedup tracks the sync cursor and the set of already-applied entry
// ids so that overlapping fetches never apply an entry twice.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity comfortably exceeds the largest possible page overlap.
const DefaultCapacity = 4096

type Entry interface {
	SequenceID() int64
	// EntryID reports false when the entry carries no payload.
	EntryID() (int64, bool)
}

// State is the exportable form of a tracker, oldest seen id first.
type State struct {
	Cursor *int64  `json:"cursor,omitempty"`
	Seen   []int64 `json:"seen,omitempty"`
}

type Tracker[E Entry] struct {
	mu     sync.Mutex
	cursor *int64
	seen   *lru.Cache[int64, struct{}]
}

func New[E Entry](capacity int) *Tracker[E] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[int64, struct{}](capacity)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Tracker[E]{seen: cache}
}

// Apply advances the cursor over the whole batch and returns, in input order,
// the entries whose ids were not seen before.
func (t *Tracker[E]) Apply(entries []E) []E {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []E
	for _, entry := range entries {
		t.advance(entry.SequenceID())
		id, ok := entry.EntryID()
		if !ok {
			continue
		}
		if t.seen.Contains(id) {
			continue
		}
		t.seen.Add(id, struct{}{})
		fresh = append(fresh, entry)
	}
	return fresh
}

func (t *Tracker[E]) advance(seq int64) {
	if t.cursor == nil || seq > *t.cursor {
		next := seq
		t.cursor = &next
	}
}

// MarkSent registers an id this process published itself. It reports false
// when a fetch already applied the id.
func (t *Tracker[E]) MarkSent(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	present, _ := t.seen.ContainsOrAdd(id, struct{}{})
	return !present
}

func (t *Tracker[E]) Seen(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen.Contains(id)
}

// Cursor returns a copy of the last sequence id, or nil before any entry.
func (t *Tracker[E]) Cursor() *int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor == nil {
		return nil
	}
	c := *t.cursor
	return &c
}

func (t *Tracker[E]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen.Len()
}

func (t *Tracker[E]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s State
	if t.cursor != nil {
		c := *t.cursor
		s.Cursor = &c
	}
	s.Seen = t.seen.Keys()
	return s
}

// Restore merges a saved state. The cursor only moves forward.
func (t *Tracker[E]) Restore(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Cursor != nil {
		t.advance(*s.Cursor)
	}
	for _, id := range s.Seen {
		t.seen.Add(id, struct{}{})
	}
}
