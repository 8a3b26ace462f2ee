package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/access"
	"github.com/capitalize-ai/live-conversations/internal/config"
	"github.com/capitalize-ai/live-conversations/internal/engine"
	"github.com/capitalize-ai/live-conversations/internal/livetest"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/source"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

var (
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	admin = model.Actor{ID: "A1", Role: model.RoleAdmin}
	agent = model.Actor{ID: "E1", Role: model.RoleAgent}
)

type reads struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *reads) MarkRead(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.keys = append(r.keys, key)
	return nil
}

func (r *reads) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type fixture struct {
	store  *livetest.Store
	perms  *livetest.Permissions
	feed   *livetest.Feed
	pauses *livetest.Pauses
	reads  *reads
	clock  *livetest.Clock
	svc    *SessionService
}

func newFixture(t *testing.T, idle time.Duration) *fixture {
	t.Helper()
	clock := livetest.NewClock(t0)
	f := &fixture{
		store:  livetest.NewStore(),
		perms:  livetest.NewPermissions(),
		feed:   livetest.NewFeed(),
		pauses: livetest.NewPauses(clock.Now),
		reads:  &reads{},
		clock:  clock,
	}
	f.perms.SetFilter("E1", access.Filter{ExecutiveIDs: []string{"E1"}})

	cfg := config.DefaultLive()
	cfg.SourceLimit = 30
	f.svc = NewSessionService(Backend{
		Store:       f.store,
		Permissions: f.perms,
		Changes:     f.feed,
		Pauses:      f.pauses,
		Reads:       f.reads,
	}, cfg, idle, logger.NewNop(),
		WithClock(clock.Now),
		WithEngineOptions(func(o *engine.Options) { o.Tick = time.Hour }),
	)
	t.Cleanup(f.svc.Shutdown)
	return f
}

func record(subject, exec string, minutesAgo, unread int) source.MessagingRecord {
	at := t0.Add(-time.Duration(minutesAgo) * time.Minute)
	return source.MessagingRecord{
		SubjectID:      subject,
		Phone:          "55119" + subject,
		LastMessageAt:  &at,
		TotalMessages:  3,
		UnreadMessages: unread,
		LastMessageID:  "last-" + subject,
		Subject:        &source.SubjectRecord{ID: subject, FullName: "Name " + subject, ExecutiveID: exec, TeamID: "T1"},
	}
}

// next waits for the first event of type typ.
func next(t *testing.T, events <-chan Event, typ string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestOpenReusesSessionPerActor(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.AddMessaging(record("s1", "E1", 1, 0))
	ctx := context.Background()

	a, err := f.svc.Open(ctx, admin)
	require.NoError(t, err)
	b, err := f.svc.Open(ctx, admin)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := f.svc.Open(ctx, agent)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, f.svc.Active())
	assert.Equal(t, 2*len(model.ChangeKinds), f.feed.Active())
}

func TestOpenRestartsOnRoleChange(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	a, err := f.svc.Open(ctx, agent)
	require.NoError(t, err)
	b, err := f.svc.Open(ctx, model.Actor{ID: agent.ID, Role: model.RoleAdmin})
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 1, f.svc.Active())
	assert.Equal(t, len(model.ChangeKinds), f.feed.Active())
}

func TestViewAppliesAccess(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.AddMessaging(record("s1", "E1", 1, 0), record("s2", "E2", 2, 0))

	v, err := f.svc.View(context.Background(), agent)
	require.NoError(t, err)
	assert.Equal(t, model.ViewReady, v.Status)
	require.Len(t, v.Conversations, 1)
	assert.Equal(t, "s1", v.Conversations[0].ID)
}

func TestViewUnavailableIsNotAnError(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.FailList(model.SourceChatPlatform, livetest.ErrDown)
	f.store.FailList(model.SourceMessagingRPC, livetest.ErrDown)

	v, err := f.svc.View(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, model.ViewUnavailable, v.Status)
}

func TestMarkReadPersistsBySubject(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.AddMessaging(record("s1", "E1", 1, 4))
	ctx := context.Background()

	c, err := f.svc.MarkRead(ctx, admin, "s1")
	require.NoError(t, err)
	assert.Zero(t, c.UnreadCount)
	assert.True(t, c.Tentative)
	assert.Equal(t, []string{"s1"}, f.reads.Keys())

	v, err := f.svc.View(ctx, admin)
	require.NoError(t, err)
	assert.Zero(t, v.Conversations[0].UnreadCount)
}

func TestMarkReadWriteFailureKeepsTentativeState(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.AddMessaging(record("s1", "E1", 1, 4))
	f.reads.err = errors.New("db down")

	c, err := f.svc.MarkRead(context.Background(), admin, "s1")
	require.Error(t, err)
	assert.True(t, c.Tentative)
	assert.Zero(t, c.UnreadCount)
}

func TestMarkReadUnknownKey(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, err := f.svc.MarkRead(context.Background(), admin, "missing")
	assert.ErrorIs(t, err, engine.ErrConversationNotFound)
	assert.Empty(t, f.reads.Keys())
}

func TestPauseLifecycle(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	_, err := f.svc.SetPause(ctx, agent, "s1", livetest.Ptr(0))
	assert.ErrorIs(t, err, ErrInvalidDuration)

	st, err := f.svc.SetPause(ctx, agent, "s1", livetest.Ptr(5))
	require.NoError(t, err)
	assert.True(t, st.IsPaused)
	assert.Equal(t, agent.ID, st.Source)

	got, err := f.svc.Pause(ctx, agent, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)

	active, err := f.pauses.GetActivePauses(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, f.svc.ClearPause(ctx, agent, "s1"))
	got, err = f.svc.Pause(ctx, agent, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStreamDeliversSnapshotNotificationAndRevocation(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.AddMessaging(record("s1", "E1", 1, 0))
	ctx := context.Background()

	_, events, cancel, err := f.svc.Stream(ctx, agent, 16)
	require.NoError(t, err)
	defer cancel()

	snap := next(t, events, EventSnapshot).Data.(model.LiveView)
	require.Len(t, snap.Conversations, 1)

	at := t0.Add(time.Second)
	f.feed.Emit(model.ChangeEvent{
		Kind: model.ChangeMessageInserted,
		Key:  "s1",
		Message: &model.Message{
			ID: "m-new", ConversationKey: "s1", Origin: model.OriginSubject, Body: "oi", CreatedAt: at,
		},
		OccurredAt: at,
	})
	n := next(t, events, EventNotification).Data.(model.Notification)
	assert.Equal(t, "m-new", n.MessageID)
	assert.Equal(t, "s1", n.ConversationID)

	f.feed.Emit(model.ChangeEvent{
		Kind:       model.ChangeSubjectUpdated,
		Key:        "s1",
		Assignment: &model.Assignment{ExecutiveID: "E2", TeamID: "T1"},
		OccurredAt: at,
	})
	rev := next(t, events, EventRevoked).Data.(model.Revocation)
	assert.Equal(t, "s1", rev.ConversationID)
}

func TestReapClosesIdleSessionsWithoutStreams(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, admin)
	require.NoError(t, err)
	_, _, cancel, err := f.svc.Stream(ctx, agent, 4)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.svc.Reap())
	assert.Equal(t, 1, f.svc.Active())

	cancel()
	assert.Zero(t, f.svc.Reap(), "closing the stream counts as activity")
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.svc.Reap())
	assert.Zero(t, f.svc.Active())
	assert.Zero(t, f.feed.Active())
}

func TestCloseEndsStreams(t *testing.T) {
	f := newFixture(t, time.Minute)

	_, events, cancel, err := f.svc.Stream(context.Background(), admin, 4)
	require.NoError(t, err)
	defer cancel()

	assert.True(t, f.svc.Close(admin.ID))
	assert.False(t, f.svc.Close(admin.ID))

	for range events {
	}
	assert.Zero(t, f.feed.Active())
}
