// Package pause keeps the ephemeral per-conversation "assistant paused"
// overrides and reconciles them against an authoritative store.
package pause

import (
	"context"
	"sort"
	"time"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

const (
	// DefaultGrace is how long past expiry an entry survives a sweep.
	DefaultGrace = 2 * time.Second
	// DefaultMax caps indefinite pauses.
	DefaultMax = 30 * 24 * time.Hour
)

// Authority is the authoritative pause store shared by every session.
type Authority interface {
	GetActivePauses(ctx context.Context) ([]model.PauseState, error)
	SetPause(ctx context.Context, key string, ttl time.Duration, by string, indefinite bool) error
	ClearPause(ctx context.Context, key string) error
}

type entry struct {
	state     model.PauseState
	expiresAt time.Time
}

// Store is the local pause table. Not safe for concurrent use; the owning
// processor serializes access.
type Store struct {
	entries map[string]entry
	grace   time.Duration
	limit   time.Duration
}

// NewStore creates an empty store.
func NewStore(grace, maxPause time.Duration) *Store {
	if grace < 0 {
		grace = DefaultGrace
	}
	if maxPause <= 0 {
		maxPause = DefaultMax
	}
	return &Store{
		entries: make(map[string]entry),
		grace:   grace,
		limit:   maxPause,
	}
}

// TTL converts a requested duration into the ttl sent to the authority.
// Nil means indefinite and is capped at the store maximum.
func (s *Store) TTL(durationMinutes *int) time.Duration {
	if durationMinutes == nil {
		return s.limit
	}
	d := time.Duration(*durationMinutes) * time.Minute
	if d > s.limit {
		return s.limit
	}
	if d < 0 {
		return 0
	}
	return d
}

// SetPause records a pause for key. A nil duration pauses indefinitely,
// internally capped so Sweep eventually reclaims it.
func (s *Store) SetPause(key string, durationMinutes *int, by string, now time.Time) model.PauseState {
	ttl := s.TTL(durationMinutes)
	state := model.PauseState{
		ConversationKey: key,
		IsPaused:        ttl > 0,
		Source:          by,
	}
	if durationMinutes != nil {
		until := now.Add(ttl)
		state.PausedUntil = &until
	}
	s.entries[key] = entry{state: state, expiresAt: now.Add(ttl)}
	return state
}

// ClearPause removes any pause for key.
func (s *Store) ClearPause(key string) {
	delete(s.entries, key)
}

// Get returns the pause for key, or nil. Between expiry and the grace
// deadline the state is returned with IsPaused false.
func (s *Store) Get(key string, now time.Time) *model.PauseState {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expiresAt.Add(s.grace)) {
		return nil
	}
	state := e.state
	state.IsPaused = state.IsPaused && now.Before(e.expiresAt)
	return &state
}

// Sweep removes entries whose grace deadline has been reached and returns
// the removed keys.
func (s *Store) Sweep(now time.Time) []string {
	var removed []string
	for key, e := range s.entries {
		if !now.Before(e.expiresAt.Add(s.grace)) {
			delete(s.entries, key)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// Replace swaps the whole table for the authoritative states when the key
// set or any value differs. It reports whether anything changed.
func (s *Store) Replace(states []model.PauseState, now time.Time) bool {
	next := make(map[string]entry, len(states))
	for _, st := range states {
		if st.ConversationKey == "" {
			continue
		}
		var expiresAt time.Time
		switch {
		case st.PausedUntil != nil:
			expiresAt = *st.PausedUntil
		default:
			if prev, ok := s.entries[st.ConversationKey]; ok && prev.state.PausedUntil == nil {
				expiresAt = prev.expiresAt
			} else {
				expiresAt = now.Add(s.limit)
			}
		}
		next[st.ConversationKey] = entry{state: st, expiresAt: expiresAt}
	}

	if s.sameAs(next) {
		return false
	}
	s.entries = next
	return true
}

func (s *Store) sameAs(next map[string]entry) bool {
	if len(next) != len(s.entries) {
		return false
	}
	for key, e := range next {
		cur, ok := s.entries[key]
		if !ok || !cur.state.Equal(e.state) {
			return false
		}
	}
	return true
}

// All returns the current states in key order, with IsPaused evaluated at now.
func (s *Store) All(now time.Time) []model.PauseState {
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]model.PauseState, 0, len(keys))
	for _, key := range keys {
		if st := s.Get(key, now); st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }
