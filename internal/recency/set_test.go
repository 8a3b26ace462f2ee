package recency

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func conv(id string, minutes int) model.Conversation {
	return model.Conversation{ID: id, LastActivityAt: base.Add(time.Duration(minutes) * time.Minute)}
}

func byID(c model.Conversation) string { return c.ID }

func ids(cs []model.Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestUpsertKeepsOrderAndBound(t *testing.T) {
	s := New(3, byID)

	for i := 0; i < 5; i++ {
		s.Upsert(conv(fmt.Sprintf("c%d", i), i))
	}

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"c4", "c3", "c2"}, ids(s.TopN()))
}

func TestUpsertOutcomes(t *testing.T) {
	s := New(2, byID)

	out, _ := s.Upsert(conv("a", 1))
	assert.Equal(t, Inserted, out)
	out, _ = s.Upsert(conv("b", 2))
	assert.Equal(t, Inserted, out)

	out, _ = s.Upsert(conv("a", 5))
	assert.Equal(t, Updated, out)
	assert.Equal(t, []string{"a", "b"}, ids(s.TopN()))

	out, _ = s.Upsert(conv("old", 0))
	assert.Equal(t, Dropped, out)

	out, evicted := s.Upsert(conv("new", 9))
	assert.Equal(t, Displaced, out)
	assert.Equal(t, "b", evicted.ID)
	assert.Equal(t, []string{"new", "a"}, ids(s.TopN()))
}

func TestUpsertTieBreaksByID(t *testing.T) {
	s := New(3, byID)
	s.Upsert(conv("b", 1))
	s.Upsert(conv("c", 1))
	s.Upsert(conv("a", 1))

	assert.Equal(t, []string{"a", "b", "c"}, ids(s.TopN()))

	// A full set drops a record tied on time but later in id order.
	out, _ := s.Upsert(conv("d", 1))
	assert.Equal(t, Dropped, out)
}

func TestDefaultCapacityHoldsFifteen(t *testing.T) {
	s := New(0, byID)
	for i := 0; i < 40; i++ {
		s.Upsert(conv(fmt.Sprintf("c%02d", i), i))
	}
	top := s.TopN()
	require.Len(t, top, DefaultCapacity)
	assert.Equal(t, "c39", top[0].ID)
	assert.Equal(t, "c25", top[len(top)-1].ID)

	for i := 1; i < len(top); i++ {
		assert.True(t, Less(top[i-1], top[i]), "not sorted at %d", i)
	}
}

func TestRemoveAndEvictIfAbsent(t *testing.T) {
	s := New(5, byID)
	for _, c := range []model.Conversation{conv("a", 1), conv("b", 2), conv("c", 3)} {
		s.Upsert(c)
	}

	removed, ok := s.Remove("b")
	require.True(t, ok)
	assert.Equal(t, "b", removed.ID)
	_, ok = s.Remove("b")
	assert.False(t, ok)

	evicted := s.EvictIfAbsentFrom(map[string]struct{}{"c": {}})
	assert.Equal(t, []string{"a"}, ids(evicted))
	assert.Equal(t, []string{"c"}, ids(s.TopN()))
}

func TestTopNReturnsCopies(t *testing.T) {
	s := New(2, byID)
	c := conv("a", 1)
	c.Refs = map[model.Source]string{model.SourceChatPlatform: "x"}
	s.Upsert(c)

	top := s.TopN()
	top[0].Refs[model.SourceChatPlatform] = "mutated"
	top[0].UnreadCount = 99

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", got.Refs[model.SourceChatPlatform])
	assert.Zero(t, got.UnreadCount)
}

func TestFindAndKeys(t *testing.T) {
	s := New(5, byID)
	a := conv("a", 1)
	a.SubjectID = "s1"
	b := conv("b", 2)
	b.SubjectID = "s1"
	s.Upsert(a)
	s.Upsert(b)
	s.Upsert(conv("c", 3))

	found, ok := s.Find(func(c model.Conversation) bool { return c.SubjectID == "s1" })
	require.True(t, ok)
	assert.Equal(t, "b", found.ID)
	assert.Len(t, s.FindAll(func(c model.Conversation) bool { return c.SubjectID == "s1" }), 2)
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}, "c": {}}, s.Keys())

	s.Reset()
	assert.Zero(t, s.Len())
	assert.Equal(t, 5, s.Capacity())
}
