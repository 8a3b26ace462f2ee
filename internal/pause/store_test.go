package pause

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func minutes(n int) *int { return &n }

func TestTimedPauseExpiresAfterGrace(t *testing.T) {
	s := NewStore(DefaultGrace, DefaultMax)

	st := s.SetPause("c1", minutes(5), "operator", t0)
	require.NotNil(t, st.PausedUntil)
	assert.True(t, st.IsPaused)
	assert.Equal(t, t0.Add(5*time.Minute), *st.PausedUntil)

	got := s.Get("c1", t0.Add(4*time.Minute))
	require.NotNil(t, got)
	assert.True(t, got.IsPaused)

	// Past expiry but inside the grace window: present, not paused.
	got = s.Get("c1", t0.Add(5*time.Minute+time.Second))
	require.NotNil(t, got)
	assert.False(t, got.IsPaused)
	assert.Empty(t, s.Sweep(t0.Add(5*time.Minute+time.Second)))

	assert.Nil(t, s.Get("c1", t0.Add(5*time.Minute+3*time.Second)))
	assert.Equal(t, []string{"c1"}, s.Sweep(t0.Add(5*time.Minute+3*time.Second)))
	assert.Zero(t, s.Len())
}

func TestPauseGoneExactlyAtGraceDeadline(t *testing.T) {
	s := NewStore(DefaultGrace, DefaultMax)
	s.SetPause("c1", minutes(5), "operator", t0)

	deadline := t0.Add(5*time.Minute + DefaultGrace)
	require.NotNil(t, s.Get("c1", deadline.Add(-time.Nanosecond)))
	assert.Nil(t, s.Get("c1", deadline))
	assert.Equal(t, []string{"c1"}, s.Sweep(deadline))
	assert.Nil(t, s.Get("c1", deadline))
}

func TestIndefinitePauseIsCapped(t *testing.T) {
	s := NewStore(DefaultGrace, DefaultMax)

	st := s.SetPause("c1", nil, "operator", t0)
	assert.Nil(t, st.PausedUntil)
	assert.True(t, st.IsPaused)

	assert.Empty(t, s.Sweep(t0.Add(29*24*time.Hour)))
	require.NotNil(t, s.Get("c1", t0.Add(29*24*time.Hour)))

	assert.Equal(t, []string{"c1"}, s.Sweep(t0.Add(40*24*time.Hour)))
}

func TestTTL(t *testing.T) {
	s := NewStore(DefaultGrace, time.Hour)
	assert.Equal(t, time.Hour, s.TTL(nil))
	assert.Equal(t, 10*time.Minute, s.TTL(minutes(10)))
	assert.Equal(t, time.Hour, s.TTL(minutes(600)))
	assert.Equal(t, time.Duration(0), s.TTL(minutes(-3)))
}

func TestClearPause(t *testing.T) {
	s := NewStore(DefaultGrace, DefaultMax)
	s.SetPause("c1", minutes(5), "operator", t0)
	s.ClearPause("c1")
	assert.Nil(t, s.Get("c1", t0))
	s.ClearPause("missing")
}

func TestReplace(t *testing.T) {
	s := NewStore(DefaultGrace, DefaultMax)
	s.SetPause("local", minutes(5), "operator", t0)

	until := t0.Add(time.Hour)
	remote := []model.PauseState{
		{ConversationKey: "c1", IsPaused: true, PausedUntil: &until, Source: "other-session"},
		{ConversationKey: "c2", IsPaused: true, Source: "other-session"},
		{ConversationKey: ""},
	}

	assert.True(t, s.Replace(remote, t0))
	assert.False(t, s.Replace(remote, t0.Add(time.Second)), "same states must not count as a change")

	all := s.All(t0)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].ConversationKey)
	assert.Equal(t, "c2", all[1].ConversationKey)
	assert.Nil(t, s.Get("local", t0))

	// The indefinite entry kept its first cap across the second Replace.
	assert.Equal(t, []string{"c1", "c2"}, s.Sweep(t0.Add(DefaultMax+time.Minute)))
}

func TestAllEvaluatesExpiry(t *testing.T) {
	s := NewStore(DefaultGrace, DefaultMax)
	s.SetPause("a", minutes(1), "x", t0)
	s.SetPause("b", minutes(10), "x", t0)

	all := s.All(t0.Add(time.Minute + time.Second))
	require.Len(t, all, 2)
	assert.False(t, all[0].IsPaused)
	assert.True(t, all[1].IsPaused)
}
