// Package source normalizes the two backing conversation stores into the
// canonical model.Conversation shape.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

var (
	// ErrMalformed is returned when a raw record cannot be normalized.
	ErrMalformed = errors.New("malformed record")
	// ErrNotFound is returned by a targeted fetch for an unknown key.
	ErrNotFound = errors.New("conversation not found")
)

// SubjectRecord is the prospect record joined onto a conversation. It may be
// missing when the join has not caught up yet.
type SubjectRecord struct {
	ID           string
	FullName     string
	WhatsAppName string
	ExecutiveID  string
	TeamID       string
}

// ChatRecord is a row from the chat-platform conversation store.
type ChatRecord struct {
	ConversationID     string
	SubjectID          string
	CustomerName       string
	CustomerPhone      string
	LastMessageAt      *time.Time
	UpdatedAt          *time.Time
	MessageCount       int
	UnreadCount        int
	LastMessageID      string
	LastMessagePreview string
	Subject            *SubjectRecord
}

// MessagingRecord is a row from the messaging store's ordered-conversations RPC.
type MessagingRecord struct {
	SubjectID          string
	ContactName        string
	Phone              string
	LastMessageAt      *time.Time
	TotalMessages      int
	UnreadMessages     int
	LastMessageID      string
	LastMessagePreview string
	Subject            *SubjectRecord
}

// RawRecord is one record from either store.
type RawRecord struct {
	Kind      model.Source
	Chat      *ChatRecord
	Messaging *MessagingRecord
}

// Store is the point-in-time read interface over both backing stores.
type Store interface {
	ListConversations(ctx context.Context, kind model.Source, actor model.Actor, limit int) ([]RawRecord, error)
	// FetchConversation returns ErrNotFound when key resolves to nothing.
	FetchConversation(ctx context.Context, kind model.Source, actor model.Actor, key string) (RawRecord, error)
}

// Adapter lists and normalizes one store.
type Adapter interface {
	Kind() model.Source
	List(ctx context.Context, actor model.Actor, limit int) ([]RawRecord, error)
	Fetch(ctx context.Context, actor model.Actor, key string) (RawRecord, error)
	Normalize(rec RawRecord) (model.Conversation, error)
}

// ChatPlatform adapts the chat-platform store.
type ChatPlatform struct {
	store Store
}

// NewChatPlatform creates the chat-platform adapter.
func NewChatPlatform(store Store) *ChatPlatform {
	return &ChatPlatform{store: store}
}

// Kind returns model.SourceChatPlatform.
func (a *ChatPlatform) Kind() model.Source { return model.SourceChatPlatform }

// List reads up to limit records.
func (a *ChatPlatform) List(ctx context.Context, actor model.Actor, limit int) ([]RawRecord, error) {
	return a.store.ListConversations(ctx, model.SourceChatPlatform, actor, limit)
}

// Fetch reads one record by conversation or subject id.
func (a *ChatPlatform) Fetch(ctx context.Context, actor model.Actor, key string) (RawRecord, error) {
	return a.store.FetchConversation(ctx, model.SourceChatPlatform, actor, key)
}

// Normalize maps a chat-platform record. The conversation id becomes the
// subject id when one is linked, so both stores share an id space.
func (a *ChatPlatform) Normalize(rec RawRecord) (model.Conversation, error) {
	r := rec.Chat
	if r == nil || strings.TrimSpace(r.ConversationID) == "" {
		return model.Conversation{}, fmt.Errorf("%w: chat record without id", ErrMalformed)
	}
	activity := firstTime(r.LastMessageAt, r.UpdatedAt)
	if activity.IsZero() {
		return model.Conversation{}, fmt.Errorf("%w: chat record %s without activity time", ErrMalformed, r.ConversationID)
	}

	c := model.Conversation{
		ID:                 r.ConversationID,
		SubjectID:          r.SubjectID,
		Phone:              r.CustomerPhone,
		LastActivityAt:     activity,
		MessageCount:       nonNegative(r.MessageCount),
		UnreadCount:        nonNegative(r.UnreadCount),
		Source:             model.SourceChatPlatform,
		Refs:               map[model.Source]string{model.SourceChatPlatform: r.ConversationID},
		LastMessageID:      r.LastMessageID,
		LastMessagePreview: r.LastMessagePreview,
	}
	if c.SubjectID != "" {
		c.ID = c.SubjectID
	}
	c.DisplayName = displayName(r.CustomerName, r.Subject, r.CustomerPhone)
	if r.Subject != nil && (c.SubjectID == "" || r.Subject.ID == c.SubjectID) {
		c.Assignment = model.Assignment{ExecutiveID: r.Subject.ExecutiveID, TeamID: r.Subject.TeamID}
	}
	return c, nil
}

// MessagingRPC adapts the subject-linked messaging store.
type MessagingRPC struct {
	store Store
}

// NewMessagingRPC creates the messaging adapter.
func NewMessagingRPC(store Store) *MessagingRPC {
	return &MessagingRPC{store: store}
}

// Kind returns model.SourceMessagingRPC.
func (a *MessagingRPC) Kind() model.Source { return model.SourceMessagingRPC }

// List reads up to limit records.
func (a *MessagingRPC) List(ctx context.Context, actor model.Actor, limit int) ([]RawRecord, error) {
	return a.store.ListConversations(ctx, model.SourceMessagingRPC, actor, limit)
}

// Fetch reads one record by subject id.
func (a *MessagingRPC) Fetch(ctx context.Context, actor model.Actor, key string) (RawRecord, error) {
	return a.store.FetchConversation(ctx, model.SourceMessagingRPC, actor, key)
}

// Normalize maps a messaging record. Every messaging conversation is keyed
// by its subject.
func (a *MessagingRPC) Normalize(rec RawRecord) (model.Conversation, error) {
	r := rec.Messaging
	if r == nil || strings.TrimSpace(r.SubjectID) == "" {
		return model.Conversation{}, fmt.Errorf("%w: messaging record without subject", ErrMalformed)
	}
	if r.LastMessageAt == nil || r.LastMessageAt.IsZero() {
		return model.Conversation{}, fmt.Errorf("%w: messaging record %s without activity time", ErrMalformed, r.SubjectID)
	}

	c := model.Conversation{
		ID:                 r.SubjectID,
		SubjectID:          r.SubjectID,
		Phone:              r.Phone,
		LastActivityAt:     *r.LastMessageAt,
		MessageCount:       nonNegative(r.TotalMessages),
		UnreadCount:        nonNegative(r.UnreadMessages),
		Source:             model.SourceMessagingRPC,
		Refs:               map[model.Source]string{model.SourceMessagingRPC: r.SubjectID},
		LastMessageID:      r.LastMessageID,
		LastMessagePreview: r.LastMessagePreview,
		DisplayName:        displayName(r.ContactName, r.Subject, r.Phone),
	}
	if r.Subject != nil && r.Subject.ID == r.SubjectID {
		c.Assignment = model.Assignment{ExecutiveID: r.Subject.ExecutiveID, TeamID: r.Subject.TeamID}
	}
	return c, nil
}

// NormalizeAll normalizes recs, skipping and logging malformed ones.
func NormalizeAll(a Adapter, recs []RawRecord, log *logger.Logger) []model.Conversation {
	out := make([]model.Conversation, 0, len(recs))
	for _, rec := range recs {
		c, err := a.Normalize(rec)
		if err != nil {
			log.Warn("skipping record", zap.String("source", string(a.Kind())), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

func displayName(name string, subject *SubjectRecord, phone string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	if subject != nil {
		if subject.FullName != "" {
			return subject.FullName
		}
		if subject.WhatsAppName != "" {
			return subject.WhatsAppName
		}
	}
	return phone
}

func firstTime(ts ...*time.Time) time.Time {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			return *t
		}
	}
	return time.Time{}
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
