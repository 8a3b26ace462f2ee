package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/reconcile"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
)

// Revocation reasons.
const (
	ReasonAccessRevoked = "access_revoked"
	ReasonSubjectGone   = "subject_not_found"
)

// pendingEvent is an event buffered while a targeted fetch for its key is
// in flight.
type pendingEvent struct {
	ev model.ChangeEvent
}

// handle applies one change event. allowFetch is false when replaying
// events after a fetch so an unknown key never triggers a second fetch.
func (p *Processor) handle(r *run, ev model.ChangeEvent, allowFetch bool) {
	if r.ctx.Err() != nil {
		return
	}
	if ev.Key == "" && ev.Message != nil {
		ev.Key = ev.Message.ConversationKey
	}
	if ev.Key == "" {
		metrics.RecordEvent(string(ev.Kind), "malformed")
		return
	}

	bucket := p.bucketFor(ev)
	if _, busy := p.pending[bucket]; busy && allowFetch {
		p.pending[bucket] = append(p.pending[bucket], pendingEvent{ev: ev})
		metrics.RecordEvent(string(ev.Kind), "buffered")
		return
	}

	switch ev.Kind {
	case model.ChangeMessageInserted:
		p.onMessage(r, ev, allowFetch)
	case model.ChangeConversationTouched:
		p.onTouched(r, ev, allowFetch)
	case model.ChangeSubjectUpdated:
		p.onSubjectUpdated(r, ev, allowFetch)
	default:
		metrics.RecordEvent(string(ev.Kind), "unknown_kind")
	}
}

// bucketFor returns the pending-fetch key of ev: the identity key of the
// entry it refers to, or the raw event key when nothing matches.
func (p *Processor) bucketFor(ev model.ChangeEvent) string {
	if c, ok := p.find(ev.Key); ok {
		return reconcile.Key(c)
	}
	return "ref:" + ev.Key
}

func (p *Processor) onMessage(r *run, ev model.ChangeEvent, allowFetch bool) {
	msg := ev.Message
	if msg == nil || msg.ID == "" {
		metrics.RecordEvent(string(ev.Kind), "malformed")
		return
	}
	if p.deps.Gate.Seen(msg.ID) {
		metrics.RecordEvent(string(ev.Kind), "duplicate")
		return
	}

	c, ok := p.find(ev.Key)
	if !ok {
		if !allowFetch {
			metrics.RecordEvent(string(ev.Kind), "dropped")
			return
		}
		p.startFetch(r, ev.Key, fetchGap, ev)
		return
	}

	if msg.ID != c.LastMessageID {
		p.count(&c, ev)
		p.put(c)
	}
	p.announce(c, msg)
	metrics.RecordEvent(string(ev.Kind), "applied")
	p.publish()
}

// count adds the message of ev to c.
func (p *Processor) count(c *model.Conversation, ev model.ChangeEvent) {
	msg := ev.Message
	at := p.messageTime(msg)
	c.MessageCount++
	if msg.Origin == model.OriginSubject {
		c.UnreadCount++
		if c.Tentative {
			if at.After(c.InboundAt) {
				c.InboundAt = at
			}
			if ev.Sequence > c.InboundSeq {
				c.InboundSeq = ev.Sequence
			}
		}
	}
	if !at.Before(c.LastActivityAt) {
		c.LastActivityAt = at
		c.LastMessageID = msg.ID
		c.LastMessagePreview = msg.Preview()
	}
}

// announce notifies about msg once when it is a live inbound message, and
// otherwise only marks it seen.
func (p *Processor) announce(c model.Conversation, msg *model.Message) {
	at := p.messageTime(msg)
	if msg.Origin == model.OriginSubject && !at.Before(p.liveSince) {
		p.deps.Gate.NotifyOnce(msg.ID, model.Notification{
			MessageID:      msg.ID,
			ConversationID: c.ID,
			DisplayName:    c.DisplayName,
			Preview:        msg.Preview(),
			ReceivedAt:     at,
		})
		return
	}
	p.deps.Gate.MarkSeen(msg.ID)
}

func (p *Processor) messageTime(msg *model.Message) time.Time {
	if msg.CreatedAt.IsZero() {
		return p.opts.Now()
	}
	return msg.CreatedAt
}

func (p *Processor) onTouched(r *run, ev model.ChangeEvent, allowFetch bool) {
	c, ok := p.find(ev.Key)
	if !ok {
		if !allowFetch {
			metrics.RecordEvent(string(ev.Kind), "dropped")
			return
		}
		p.startFetch(r, ev.Key, fetchGap, ev)
		return
	}

	p.applyPatch(&c, ev.Patch, ev.OccurredAt, ev.Sequence)
	p.put(c)
	metrics.RecordEvent(string(ev.Kind), "applied")
	p.authorize(r, ev.Kind, c)
	p.publish()
}

func (p *Processor) onSubjectUpdated(r *run, ev model.ChangeEvent, allowFetch bool) {
	subjectID := ev.Key
	p.deps.Access.InvalidateSubject(subjectID)

	present := p.set.FindAll(func(c model.Conversation) bool { return c.SubjectID == subjectID })
	if len(present) == 0 {
		if allowFetch && touchesAssignment(ev) {
			p.startFetch(r, subjectID, fetchGap, ev)
			return
		}
		metrics.RecordEvent(string(ev.Kind), "ignored")
		return
	}

	if ev.Assignment == nil {
		if allowFetch {
			p.startFetch(r, subjectID, fetchRefresh, ev)
		}
		return
	}

	for i := range present {
		present[i].Assignment = *ev.Assignment
		if ev.Patch != nil && ev.Patch.DisplayName != nil {
			present[i].DisplayName = *ev.Patch.DisplayName
		}
		p.put(present[i])
		metrics.RecordEvent(string(ev.Kind), "applied")
	}
	p.authorize(r, ev.Kind, present...)
	p.publish()
}

// authorize settles whether the actor may still see cs. Answers the
// resolver already holds apply inline; the rest are looked up off the
// loop and a denial removes the entry when it lands. Only the latest
// check per entry counts.
func (p *Processor) authorize(r *run, kind model.ChangeKind, cs ...model.Conversation) {
	for _, c := range cs {
		key := reconcile.Key(c)
		if allowed, known := p.deps.Access.Decision(p.deps.Actor, c); known {
			delete(p.checks, key)
			if !allowed {
				p.remove(c, ReasonAccessRevoked)
				metrics.RecordEvent(string(kind), "revoked")
			}
			continue
		}

		p.checkSeq++
		token := p.checkSeq
		p.checks[key] = token
		c := c
		go func() {
			allowed := p.deps.Access.CanSee(r.ctx, p.deps.Actor, c)
			r.post(func() { p.finishCheck(r, kind, key, token, allowed) })
		}()
	}
}

func (p *Processor) finishCheck(r *run, kind model.ChangeKind, key string, token uint64, allowed bool) {
	if r.ctx.Err() != nil || p.checks[key] != token {
		return
	}
	delete(p.checks, key)
	if allowed {
		return
	}
	c, ok := p.set.Get(key)
	if !ok {
		return
	}
	p.remove(c, ReasonAccessRevoked)
	metrics.RecordEvent(string(kind), "revoked")
	p.publish()
}

func touchesAssignment(ev model.ChangeEvent) bool {
	if ev.Assignment != nil || len(ev.ChangedFields) == 0 {
		return true
	}
	for _, f := range ev.ChangedFields {
		switch f {
		case "executive_id", "team_id", "assignment":
			return true
		}
	}
	return false
}

// applyPatch merges an authoritative patch into c. Counts never shrink
// except where an authoritative value newer than a tentative mark-read
// overrides it.
func (p *Processor) applyPatch(c *model.Conversation, patch *model.ConversationPatch, observedAt time.Time, seq uint64) {
	if patch == nil {
		return
	}
	stale := patch.LastActivityAt != nil && patch.LastActivityAt.Before(c.LastActivityAt)
	if !stale {
		if patch.LastActivityAt != nil {
			c.LastActivityAt = *patch.LastActivityAt
		}
		if patch.DisplayName != nil && *patch.DisplayName != "" {
			c.DisplayName = *patch.DisplayName
		}
		if patch.Phone != nil && *patch.Phone != "" {
			c.Phone = *patch.Phone
		}
	}
	if patch.MessageCount != nil && *patch.MessageCount > c.MessageCount {
		c.MessageCount = *patch.MessageCount
	}
	if patch.UnreadCount != nil {
		p.applyUnread(c, *patch.UnreadCount, observedAt, seq)
	}
}

// applyUnread folds an authoritative unread count, observed at observedAt
// and stream position seq (zero when unknown), into c.
func (p *Processor) applyUnread(c *model.Conversation, unread int, observedAt time.Time, seq uint64) {
	if unread < 0 {
		unread = 0
	}
	if !c.Tentative {
		if unread > c.UnreadCount {
			c.UnreadCount = unread
		}
		return
	}
	switch {
	case !coversInbound(*c, observedAt, seq):
		p.logger.Debug("ignoring authoritative unread older than local inbound messages",
			zap.String("conversation_id", c.ID), zap.Int("unread", unread))
	case unread == 0 || observedAt.After(c.TentativeAt):
		c.UnreadCount = unread
		c.Tentative = false
		c.TentativeAt = time.Time{}
		c.InboundAt, c.InboundSeq = time.Time{}, 0
	default:
		p.logger.Debug("ignoring authoritative unread older than local mark-read",
			zap.String("conversation_id", c.ID), zap.Int("unread", unread))
	}
}

// coversInbound reports whether an authoritative value already includes
// every inbound message c counted since its mark-read. Stream positions
// decide when both sides carry one; otherwise creation times do.
func coversInbound(c model.Conversation, observedAt time.Time, seq uint64) bool {
	if c.InboundAt.IsZero() && c.InboundSeq == 0 {
		return true
	}
	if seq > 0 && c.InboundSeq > 0 {
		return seq > c.InboundSeq
	}
	return !observedAt.Before(c.InboundAt)
}
