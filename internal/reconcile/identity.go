// Package reconcile merges conversation records from both stores into one
// identity space.
//
// Identity precedence, strongest first:
//
//  1. subject id equality
//  2. phone equality (digits only)
//  3. phone containment, only when enabled
//  4. raw id or shared native id
//
// Two records that both carry a subject id match only on that subject id;
// phone and id fallbacks apply when at least one side has no subject.
package reconcile

import (
	"sort"
	"strings"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/recency"
)

// MatchKind names the rule that matched two records.
type MatchKind int

const (
	NoMatch MatchKind = iota
	MatchSubject
	MatchPhone
	MatchPhoneContainment
	MatchID
)

func (k MatchKind) String() string {
	switch k {
	case MatchSubject:
		return "subject"
	case MatchPhone:
		return "phone"
	case MatchPhoneContainment:
		return "phone_containment"
	case MatchID:
		return "id"
	default:
		return "none"
	}
}

// minContainmentDigits keeps short fragments from swallowing real numbers.
const minContainmentDigits = 7

// Matcher decides whether two records denote the same subject.
type Matcher struct {
	// PhoneContainment enables the lossy substring rule. Off by default:
	// "5512345678" and "15512345678" would merge, which is intended, but so
	// would any number that happens to end another.
	PhoneContainment bool
}

// Match applies the identity precedence to a and b.
func (m Matcher) Match(a, b model.Conversation) MatchKind {
	if a.SubjectID != "" && b.SubjectID != "" {
		if a.SubjectID == b.SubjectID {
			return MatchSubject
		}
		return NoMatch
	}

	pa, pb := NormalizePhone(a.Phone), NormalizePhone(b.Phone)
	if pa != "" && pb != "" {
		if pa == pb {
			return MatchPhone
		}
		if m.PhoneContainment && phoneContains(pa, pb) {
			return MatchPhoneContainment
		}
	}

	if a.ID != "" && a.ID == b.ID {
		return MatchID
	}
	for src, ref := range a.Refs {
		if ref != "" && b.Refs[src] == ref {
			return MatchID
		}
	}
	return NoMatch
}

// Key returns the identity key used to index a conversation in the working set.
func Key(c model.Conversation) string {
	if c.SubjectID != "" {
		return "subject:" + c.SubjectID
	}
	if p := NormalizePhone(c.Phone); p != "" {
		return "phone:" + p
	}
	return "id:" + c.ID
}

// NormalizePhone strips everything but digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func phoneContains(a, b string) bool {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) < minContainmentDigits {
		return false
	}
	return strings.Contains(long, short)
}

// Merge reconciles records from the chat-platform store (a) and the
// messaging store (b) into one record per identity, in view order.
func (m Matcher) Merge(a, b []model.Conversation) []model.Conversation {
	var merged []model.Conversation
	add := func(c model.Conversation) {
		for i := range merged {
			if m.Match(merged[i], c) != NoMatch {
				merged[i] = Combine(merged[i], c)
				return
			}
		}
		merged = append(merged, c.Clone())
	}
	for _, c := range a {
		add(c)
	}
	for _, c := range b {
		add(c)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return recency.Less(merged[i], merged[j])
	})
	return merged
}

// Combine folds two records for the same identity into one. The more
// recently active record wins scalar fields, counts never shrink, and
// assignment prefers the subject-linked store.
func Combine(x, y model.Conversation) model.Conversation {
	winner, loser := x, y
	if y.LastActivityAt.After(x.LastActivityAt) {
		winner, loser = y, x
	}

	out := winner.Clone()
	if out.DisplayName == "" || out.DisplayName == out.Phone {
		if loser.DisplayName != "" && loser.DisplayName != loser.Phone {
			out.DisplayName = loser.DisplayName
		}
	}
	if out.Phone == "" {
		out.Phone = loser.Phone
	}
	if out.LastMessageID == "" {
		out.LastMessageID = loser.LastMessageID
		out.LastMessagePreview = loser.LastMessagePreview
	}
	out.MessageCount = maxInt(x.MessageCount, y.MessageCount)
	out.UnreadCount = maxInt(x.UnreadCount, y.UnreadCount)

	if out.SubjectID == "" {
		out.SubjectID = loser.SubjectID
	}
	if out.SubjectID != "" {
		out.ID = out.SubjectID
	}

	out.Assignment = pickAssignment(x, y)

	out.Refs = make(map[model.Source]string, len(x.Refs)+len(y.Refs))
	for src, ref := range loser.Refs {
		out.Refs[src] = ref
	}
	for src, ref := range winner.Refs {
		out.Refs[src] = ref
	}

	if x.Source != y.Source || x.Source == model.SourceMerged {
		out.Source = model.SourceMerged
	}

	out.Tentative = x.Tentative || y.Tentative
	if y.TentativeAt.After(x.TentativeAt) {
		out.TentativeAt = y.TentativeAt
	} else {
		out.TentativeAt = x.TentativeAt
	}
	return out
}

func pickAssignment(x, y model.Conversation) model.Assignment {
	rx, ry := assignmentRank(x), assignmentRank(y)
	if ry >= rx {
		if ry > 0 {
			return y.Assignment
		}
		return x.Assignment
	}
	return x.Assignment
}

// assignmentRank: 0 empty, 1 transport data, 2 subject-linked data.
func assignmentRank(c model.Conversation) int {
	if c.Assignment.IsEmpty() {
		return 0
	}
	if c.Source == model.SourceMessagingRPC {
		return 2
	}
	if c.Source == model.SourceMerged && c.Refs[model.SourceMessagingRPC] != "" {
		return 2
	}
	return 1
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
