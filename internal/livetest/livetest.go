// Package livetest provides in-memory fakes of the live engine's
// collaborators for tests.
package livetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/live-conversations/internal/access"
	"github.com/capitalize-ai/live-conversations/internal/changefeed"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/source"
)

// ErrDown is a generic transport failure.
var ErrDown = errors.New("livetest: backend down")

// Store is an in-memory source.Store over both record kinds.
type Store struct {
	mu        sync.Mutex
	chat      []source.ChatRecord
	messaging []source.MessagingRecord
	listErr   map[model.Source]error
	fetchErr  map[model.Source]error
	fetches   int
	hold      chan struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		listErr:  make(map[model.Source]error),
		fetchErr: make(map[model.Source]error),
	}
}

// AddChat appends chat-platform records.
func (s *Store) AddChat(recs ...source.ChatRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, recs...)
}

// AddMessaging appends messaging records.
func (s *Store) AddMessaging(recs ...source.MessagingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messaging = append(s.messaging, recs...)
}

// FailList makes ListConversations for kind return err. Nil clears it.
func (s *Store) FailList(kind model.Source, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr[kind] = err
}

// FailFetch makes FetchConversation for kind return err. Nil clears it.
func (s *Store) FailFetch(kind model.Source, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr[kind] = err
}

// HoldFetches blocks targeted fetches until the returned release is called.
func (s *Store) HoldFetches() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Reassign changes the assignment joined onto every record of subjectID.
func (s *Store) Reassign(subjectID, executiveID, teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.chat {
		if sub := s.chat[i].Subject; sub != nil && sub.ID == subjectID {
			cp := *sub
			cp.ExecutiveID, cp.TeamID = executiveID, teamID
			s.chat[i].Subject = &cp
		}
	}
	for i := range s.messaging {
		if sub := s.messaging[i].Subject; sub != nil && sub.ID == subjectID {
			cp := *sub
			cp.ExecutiveID, cp.TeamID = executiveID, teamID
			s.messaging[i].Subject = &cp
		}
	}
}

// Fetches returns how many targeted fetches were served.
func (s *Store) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// ListConversations returns up to limit records of kind, newest first.
func (s *Store) ListConversations(_ context.Context, kind model.Source, _ model.Actor, limit int) ([]source.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.listErr[kind]; err != nil {
		return nil, err
	}

	var out []source.RawRecord
	switch kind {
	case model.SourceChatPlatform:
		recs := append([]source.ChatRecord(nil), s.chat...)
		sort.SliceStable(recs, func(i, j int) bool { return after(recs[i].LastMessageAt, recs[j].LastMessageAt) })
		for i := range recs {
			out = append(out, source.RawRecord{Kind: kind, Chat: &recs[i]})
		}
	case model.SourceMessagingRPC:
		recs := append([]source.MessagingRecord(nil), s.messaging...)
		sort.SliceStable(recs, func(i, j int) bool { return after(recs[i].LastMessageAt, recs[j].LastMessageAt) })
		for i := range recs {
			out = append(out, source.RawRecord{Kind: kind, Messaging: &recs[i]})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchConversation looks key up by conversation or subject id.
func (s *Store) FetchConversation(ctx context.Context, kind model.Source, _ model.Actor, key string) (source.RawRecord, error) {
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return source.RawRecord{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if err := s.fetchErr[kind]; err != nil {
		return source.RawRecord{}, err
	}
	switch kind {
	case model.SourceChatPlatform:
		for i := range s.chat {
			if s.chat[i].ConversationID == key || (s.chat[i].SubjectID != "" && s.chat[i].SubjectID == key) {
				rec := s.chat[i]
				return source.RawRecord{Kind: kind, Chat: &rec}, nil
			}
		}
	case model.SourceMessagingRPC:
		for i := range s.messaging {
			if s.messaging[i].SubjectID == key {
				rec := s.messaging[i]
				return source.RawRecord{Kind: kind, Messaging: &rec}, nil
			}
		}
	}
	return source.RawRecord{}, source.ErrNotFound
}

func after(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

// Permissions is an in-memory access.PermissionSource.
type Permissions struct {
	mu      sync.Mutex
	filters map[string]access.Filter
	denied  map[string]bool
	err     error
	lookups int
	hold    chan struct{}
}

// NewPermissions creates a source that allows every subject.
func NewPermissions() *Permissions {
	return &Permissions{
		filters: make(map[string]access.Filter),
		denied:  make(map[string]bool),
	}
}

// SetFilter sets the assignment filter for actorID.
func (p *Permissions) SetFilter(actorID string, f access.Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters[actorID] = f
}

// Deny makes ResolvePermission refuse subjectID.
func (p *Permissions) Deny(subjectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied[subjectID] = true
}

// Fail makes every lookup return err. Nil clears it.
func (p *Permissions) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// HoldLookups blocks ResolvePermission until the returned release is called.
func (p *Permissions) HoldLookups() (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.hold = nil
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Lookups returns how many ResolvePermission calls were made.
func (p *Permissions) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}

// ResolvePermission answers from the deny list.
func (p *Permissions) ResolvePermission(ctx context.Context, _ model.Actor, subjectID string) (access.Permission, error) {
	p.mu.Lock()
	hold := p.hold
	p.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return access.Permission{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if p.err != nil {
		return access.Permission{}, p.err
	}
	if p.denied[subjectID] {
		return access.Permission{CanAccess: false, Reason: "denied"}, nil
	}
	return access.Permission{CanAccess: true}, nil
}

// GetAssignmentFilter returns the configured filter for actor.
func (p *Permissions) GetAssignmentFilter(_ context.Context, actor model.Actor) (access.Filter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return access.Filter{}, p.err
	}
	return p.filters[actor.ID], nil
}

// Feed is an in-memory change stream. Emit delivers synchronously.
type Feed struct {
	mu        sync.Mutex
	subs      map[int]*feedSub
	next      int
	failKinds map[model.ChangeKind]bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]*feedSub), failKinds: make(map[model.ChangeKind]bool)}
}

// FailSubscribe makes subscriptions to kind fail.
func (f *Feed) FailSubscribe(kind model.ChangeKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKinds[kind] = true
}

// Subscribe registers cb for kind.
func (f *Feed) Subscribe(_ context.Context, kind model.ChangeKind, filter string, cb func(model.ChangeEvent)) (changefeed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKinds[kind] {
		return nil, ErrDown
	}
	f.next++
	s := &feedSub{feed: f, id: f.next, kind: kind, filter: filter, cb: cb}
	f.subs[s.id] = s
	return s, nil
}

// Emit delivers ev to every matching subscription.
func (f *Feed) Emit(ev model.ChangeEvent) {
	f.mu.Lock()
	var targets []*feedSub
	for _, s := range f.subs {
		if s.kind == ev.Kind && (s.filter == "" || s.filter == ev.Key) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()
	for _, s := range targets {
		s.cb(ev)
	}
}

// Active returns the number of live subscriptions.
func (f *Feed) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Publish implements changefeed.Publisher by emitting ev.
func (f *Feed) Publish(_ context.Context, ev model.ChangeEvent) error {
	f.Emit(ev)
	return nil
}

type feedSub struct {
	feed   *Feed
	id     int
	kind   model.ChangeKind
	filter string
	cb     func(model.ChangeEvent)
}

func (s *feedSub) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs, s.id)
	return nil
}

// Pauses is an in-memory pause.Authority.
type Pauses struct {
	mu     sync.Mutex
	states map[string]model.PauseState
	err    error
	now    func() time.Time
}

// NewPauses creates an empty authority using now for expiries.
func NewPauses(now func() time.Time) *Pauses {
	if now == nil {
		now = time.Now
	}
	return &Pauses{states: make(map[string]model.PauseState), now: now}
}

// Fail makes every call return err. Nil clears it.
func (p *Pauses) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Put stores a state directly, as another session would.
func (p *Pauses) Put(st model.PauseState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[st.ConversationKey] = st
}

// GetActivePauses returns every stored state in key order.
func (p *Pauses) GetActivePauses(context.Context) ([]model.PauseState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make([]model.PauseState, 0, len(p.states))
	for _, st := range p.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationKey < out[j].ConversationKey })
	return out, nil
}

// SetPause stores a pause.
func (p *Pauses) SetPause(_ context.Context, key string, ttl time.Duration, by string, indefinite bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	st := model.PauseState{ConversationKey: key, IsPaused: true, Source: by}
	if !indefinite {
		until := p.now().Add(ttl)
		st.PausedUntil = &until
	}
	p.states[key] = st
	return nil
}

// ClearPause removes a pause.
func (p *Pauses) ClearPause(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	delete(p.states, key)
	return nil
}

// Sink records notifications.
type Sink struct {
	mu   sync.Mutex
	got  []model.Notification
	fail error
}

// Notify records payload.
func (s *Sink) Notify(_ context.Context, _ string, payload model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, payload)
	return s.fail
}

// Fail makes Notify return err after recording.
func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Notifications returns a copy of what was delivered.
func (s *Sink) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Notification(nil), s.got...)
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Observer records views and revocations published by a processor.
type Observer struct {
	mu      sync.Mutex
	views   []model.LiveView
	revoked []model.Revocation
}

// OnView records view.
func (o *Observer) OnView(view model.LiveView) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.views = append(o.views, view)
}

// OnRevoked records rev.
func (o *Observer) OnRevoked(rev model.Revocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revoked = append(o.revoked, rev)
}

// Revoked returns recorded revocations.
func (o *Observer) Revoked() []model.Revocation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.Revocation(nil), o.revoked...)
}

// Views returns how many views were published.
func (o *Observer) Views() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.views)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
