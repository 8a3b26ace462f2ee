package model

import (
	"time"
)

// ChangeKind represents the kind of upstream change an event describes.
type ChangeKind string

const (
	ChangeMessageInserted     ChangeKind = "message_inserted"
	ChangeConversationTouched ChangeKind = "conversation_touched"
	ChangeSubjectUpdated      ChangeKind = "subject_updated"
)

// ChangeKinds lists every kind the processor subscribes to.
var ChangeKinds = []ChangeKind{
	ChangeMessageInserted,
	ChangeConversationTouched,
	ChangeSubjectUpdated,
}

// ChangeEvent is a push notification from a change stream. Message is set
// for inserted messages, Patch for touched conversations. Subject updates
// may carry the new Assignment; without it the processor refetches.
// Sequence is the stream position, comparable across kinds; zero when the
// transport has none.
type ChangeEvent struct {
	Kind          ChangeKind         `json:"kind"`
	Key           string             `json:"key"`
	Source        Source             `json:"source,omitempty"`
	ChangedFields []string           `json:"changed_fields,omitempty"`
	Message       *Message           `json:"message,omitempty"`
	Patch         *ConversationPatch `json:"patch,omitempty"`
	Assignment    *Assignment        `json:"assignment,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
	Sequence      uint64             `json:"sequence,omitempty"`
}

// Revocation signals that a conversation left the actor's view because access was withdrawn.
type Revocation struct {
	ConversationID string    `json:"conversation_id"`
	SubjectID      string    `json:"subject_id,omitempty"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}
