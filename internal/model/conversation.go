// Package model defines data structures for the live conversations service.
package model

import (
	"time"
)

// Source identifies which backing store produced a conversation record.
type Source string

const (
	// SourceChatPlatform is the chat-platform conversation store.
	SourceChatPlatform Source = "chat_platform"
	// SourceMessagingRPC is the subject-linked messaging store read through an RPC.
	SourceMessagingRPC Source = "messaging_rpc"
	// SourceMerged marks a record reconciled from both stores.
	SourceMerged Source = "merged"
)

// Assignment holds the ownership data used for access filtering and badges.
type Assignment struct {
	ExecutiveID string `json:"executive_id,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
}

// IsEmpty reports whether neither executive nor team is set.
func (a Assignment) IsEmpty() bool {
	return a.ExecutiveID == "" && a.TeamID == ""
}

// Conversation is the canonical unit of the live working set.
type Conversation struct {
	ID             string     `json:"id"`
	SubjectID      string     `json:"subject_id,omitempty"`
	DisplayName    string     `json:"display_name"`
	Phone          string     `json:"phone"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	MessageCount   int        `json:"message_count"`
	UnreadCount    int        `json:"unread_count"`
	Assignment     Assignment `json:"assignment"`
	Source         Source     `json:"source"`

	// Refs maps each store to its native id for this conversation.
	Refs map[Source]string `json:"refs,omitempty"`

	LastMessageID      string `json:"last_message_id,omitempty"`
	LastMessagePreview string `json:"last_message_preview,omitempty"`

	// Tentative is set while a local mark-read awaits authoritative confirmation.
	Tentative   bool      `json:"tentative,omitempty"`
	TentativeAt time.Time `json:"-"`

	// Newest inbound message counted locally since the mark-read, by
	// creation time and change-stream position.
	InboundAt  time.Time `json:"-"`
	InboundSeq uint64    `json:"-"`
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Refs != nil {
		out.Refs = make(map[Source]string, len(c.Refs))
		for k, v := range c.Refs {
			out.Refs[k] = v
		}
	}
	return out
}

// HasRef reports whether id is the conversation id, its subject id, or a native id from any store.
func (c Conversation) HasRef(id string) bool {
	if id == "" {
		return false
	}
	if c.ID == id || c.SubjectID == id {
		return true
	}
	for _, ref := range c.Refs {
		if ref == id {
			return true
		}
	}
	return false
}

// ConversationPatch carries the fields an upstream "touched" change reports.
// Nil fields were not part of the change.
type ConversationPatch struct {
	DisplayName    *string    `json:"display_name,omitempty"`
	Phone          *string    `json:"phone,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	MessageCount   *int       `json:"message_count,omitempty"`
	UnreadCount    *int       `json:"unread_count,omitempty"`
}
